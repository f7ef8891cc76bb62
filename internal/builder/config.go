package builder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/pelletier/go-toml/v2"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ConfigFilename is the project description looked up in the project directory.
const ConfigFilename = "Disc.toml"

var defaultProfiles = map[string]ProfileSection{
	"release": {
		OptLevel: int64(2),
	},
	"debug": {
		OptLevel: "g",
	},
}

type Config struct {
	Package   PackageSection            `toml:"package"`
	Target    TargetSection             `toml:"target"`
	Assets    map[string]string         `toml:"assets"` // asset file -> symbol name
	Toolchain ToolchainSection          `toml:"toolchain"`
	IP        IPSection                 `toml:"ip"`
	Dirs      DirsSection               `toml:"dirs"`
	Profile   map[string]ProfileSection `toml:"profile"`
	Run       RunSection                `toml:"run"`
}

func (c Config) Profiles() []string {
	profiles := slices.Collect(maps.Keys(c.Profile))
	slices.Sort(profiles)
	return profiles
}

// optLevelString renders an opt-level value, which TOML gives us as either
// an integer (2) or a string ("s", "g").
func optLevelString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// ProfileSection defines the [profile.*] section
type ProfileSection struct {
	OptLevel any      `toml:"opt-level"`
	Cflags   []string `toml:"cflags"`
}

// PackageSection defines the [package] section
type PackageSection struct {
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	Authors     []string `toml:"authors"`
	Build       string   `toml:"build"`
}

// TargetSection defines the [target(.*)] section
type TargetSection struct {
	Sources      []string `toml:"sources"`
	Cflags       []string `toml:"cflags"`
	Cxxflags     []string `toml:"cxxflags"`
	Ldflags      []string `toml:"ldflags"`
	Defsyms      []string `toml:"defsyms"`
	Specs        []string `toml:"specs"`
	CxxSpecs     []string `toml:"cxx-specs"`
	TrackHeaders bool     `toml:"track-headers"`
}

// ToolchainSection defines the [toolchain] section
type ToolchainSection struct {
	Root      string `toml:"root"`
	Prefix    string `toml:"prefix"`
	WrapError bool   `toml:"wrap-error"`
}

// IPSection defines the [ip] section: the boot header fields
type IPSection struct {
	Version       string `toml:"version"`
	ReleaseDate   string `toml:"release-date"`
	Areas         string `toml:"areas"`
	Peripherals   string `toml:"peripherals"`
	Title         string `toml:"title"`
	MainStackAddr string `toml:"main-stack-addr"`
	SubStackAddr  string `toml:"sub-stack-addr"`
	FirstReadAddr string `toml:"first-read-addr"`
	FirstReadSize string `toml:"first-read-size"`
	FirstReadBin  string `toml:"first-read-bin"`
}

// DirsSection defines the [dirs] section. Relative paths are relative to
// the project directory.
type DirsSection struct {
	Build  string `toml:"build"`
	Image  string `toml:"image"`
	Audio  string `toml:"audio"`
	Output string `toml:"output"`
	Assets string `toml:"assets"`
}

// RunSection defines the [run] section
type RunSection struct {
	Emulator string   `toml:"emulator"`
	Args     []string `toml:"args"`
}

func defaultConfig(env ConfigEnv) *Config {
	return &Config{
		Target: TargetSection{
			Specs:    []string{"yaul.specs", "yaul-main.specs"},
			CxxSpecs: []string{"yaul-main-c++.specs"},
		},
		Toolchain: ToolchainSection{
			Root:      env.Environ["YAUL_INSTALL_ROOT"],
			Prefix:    "sh2eb-elf",
			WrapError: true,
		},
		IP: IPSection{
			Version:       "V1.000",
			Areas:         "JTUBKAEL",
			Peripherals:   "JAMKST",
			MainStackAddr: "0x06004000",
			SubStackAddr:  "0x06001E00",
			FirstReadAddr: "0x06004000",
			FirstReadSize: "0",
			FirstReadBin:  "A.BIN",
		},
		Dirs: DirsSection{
			Build:  "build",
			Image:  "cd",
			Audio:  "audio-tracks",
			Output: ".",
			Assets: ".",
		},
		Profile: maps.Clone(defaultProfiles),
	}
}

// mergeStructs merges the fields of the src struct into the dst struct. Maps
// are merged key by key.
func mergeStructs(dst, src any) error {
	dstVal := reflect.ValueOf(dst)
	if dstVal.Kind() != reflect.Pointer {
		return fmt.Errorf("dst must be a pointer")
	}

	dstElem := dstVal.Elem()
	srcVal := reflect.ValueOf(src)

	if srcVal.Kind() == reflect.Pointer {
		srcVal = srcVal.Elem()
	}

	if dstElem.Type() != srcVal.Type() {
		return fmt.Errorf("dst and src must be of the same type")
	}

	switch srcVal.Kind() {
	case reflect.Map:
		mergeField(dstElem, srcVal)
		return nil
	case reflect.Struct:
	default:
		return fmt.Errorf("cannot merge values of kind %s", srcVal.Kind())
	}

	for i := range srcVal.NumField() {
		dstField := dstElem.Field(i)
		if !dstField.CanSet() {
			continue
		}
		mergeField(dstField, srcVal.Field(i))
	}

	return nil
}

func mergeField(dstField, srcField reflect.Value) {
	switch dstField.Kind() {
	case reflect.Slice:
		if !srcField.IsNil() {
			dstField.Set(reflect.AppendSlice(dstField, srcField))
		}
	case reflect.Map:
		if !srcField.IsNil() {
			if dstField.IsNil() {
				dstField.Set(reflect.MakeMap(dstField.Type()))
			}
			for _, key := range srcField.MapKeys() {
				dstField.SetMapIndex(key, srcField.MapIndex(key))
			}
		}
	case reflect.Bool:
		dstField.SetBool(dstField.Bool() || srcField.Bool())
	default:
		if !srcField.IsZero() {
			dstField.Set(srcField)
		}
	}
}

func mustMarshal(v any) string {
	b, err := toml.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// unmarshalConditionalSection is a helper to parse, evaluate and merge multiple sections with conditional logic
func unmarshalConditionalSection[T any](rawCfg map[string]any, name string, dst *T, env ConfigEnv) error {
	sectionData, ok := rawCfg[name]
	if !ok {
		return nil
	}

	sectionMap, ok := sectionData.(map[string]any)
	if !ok {
		return fmt.Errorf("invalid [%s] section format: expected a table", name)
	}

	baseFields := make(map[string]any)
	conditionalFields := make(map[string]map[string]any)

	for key, val := range sectionMap {
		if subMap, ok := val.(map[string]any); ok {
			_, err := expr.Compile(key, expr.Env(env), expr.AsBool())
			if err == nil {
				conditionalFields[key] = subMap
			} else {
				baseFields[key] = val
			}
		} else {
			baseFields[key] = val
		}
	}

	if len(baseFields) > 0 {
		if err := toml.Unmarshal([]byte(mustMarshal(baseFields)), dst); err != nil {
			return fmt.Errorf("failed to parse base [%s] section: %w", name, err)
		}
	}

	// sorted so that later conditions win deterministically
	for _, expression := range slices.Sorted(maps.Keys(conditionalFields)) {
		condMap := conditionalFields[expression]
		program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
		if err != nil {
			return fmt.Errorf("failed to compile expression for [%s.%q]: %w", name, expression, err)
		}

		result, err := expr.Run(program, env)
		if err != nil {
			return fmt.Errorf("failed to run expression for [%s.%q]: %w", name, expression, err)
		}

		// merge sections if the result is true
		if matched, ok := result.(bool); !ok || !matched {
			continue
		}

		var condSection T
		if err := toml.Unmarshal([]byte(mustMarshal(condMap)), &condSection); err != nil {
			return fmt.Errorf("failed to parse conditional section [%s.%q]: %w", name, expression, err)
		}
		if err := mergeStructs(dst, condSection); err != nil {
			return fmt.Errorf("failed to merge conditional section [%s.%q]: %w", name, expression, err)
		}
	}

	return nil
}

var exprRegex = regexp.MustCompile(`\{\{(.+?)\}\}`)

// evaluateString finds and evaluates all {{...}} expressions in a string
func evaluateString(s string, env ConfigEnv) (string, error) {
	matches := exprRegex.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	var builder strings.Builder
	lastIndex := 0

	for _, matchIndexes := range matches {
		fullMatchStart := matchIndexes[0]
		fullMatchEnd := matchIndexes[1]
		expressionStart := matchIndexes[2]
		expressionEnd := matchIndexes[3]

		builder.WriteString(s[lastIndex:fullMatchStart])

		expression := strings.TrimSpace(s[expressionStart:expressionEnd])
		program, err := expr.Compile(expression, expr.Env(env))
		if err != nil {
			return "", fmt.Errorf("failed to compile expression %q: %w", expression, err)
		}

		result, err := expr.Run(program, env)
		if err != nil {
			return "", fmt.Errorf("failed to run expression %q: %w", expression, err)
		}

		fmt.Fprintf(&builder, "%v", result)
		lastIndex = fullMatchEnd
	}

	builder.WriteString(s[lastIndex:])

	return builder.String(), nil
}

// processExpressions recursively walks the parsed TOML data and evaluates expressions in strings
func processExpressions(data any, env ConfigEnv) (any, error) {
	switch v := data.(type) {
	case map[string]any:
		for key, val := range v {
			processedVal, err := processExpressions(val, env)
			if err != nil {
				return nil, err
			}
			v[key] = processedVal
		}
		return v, nil
	case []any:
		for i, item := range v {
			processedItem, err := processExpressions(item, env)
			if err != nil {
				return nil, err
			}
			v[i] = processedItem
		}
		return v, nil
	case string:
		return evaluateString(v, env)
	default:
		return data, nil
	}
}

// ParseConfig decodes a Disc.toml document. Defaults are applied first so
// that a minimal file only needs [package] and [target].
func ParseConfig(rdr io.Reader, env ConfigEnv) (*Config, error) {
	var rawConfig map[string]any
	dec := toml.NewDecoder(rdr)
	if err := dec.Decode(&rawConfig); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			return nil, errors.New(derr.String())
		}
		return nil, err
	}

	processedConfig, err := processExpressions(rawConfig, env)
	if err != nil {
		return nil, fmt.Errorf("error processing expressions in config: %w", err)
	}
	rawConfig = processedConfig.(map[string]any)

	cfg := defaultConfig(env)

	if err := unmarshalConditionalSection(rawConfig, "package", &cfg.Package, env); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawConfig, "target", &cfg.Target, env); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawConfig, "assets", &cfg.Assets, env); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawConfig, "toolchain", &cfg.Toolchain, env); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawConfig, "ip", &cfg.IP, env); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawConfig, "dirs", &cfg.Dirs, env); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawConfig, "profile", &cfg.Profile, env); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawConfig, "run", &cfg.Run, env); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseConfigFromFile parses a config file from a filepath
func ParseConfigFromFile(path string, env ConfigEnv) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseConfig(bufio.NewReader(f), env)
}

// Validate checks every field the pipeline cannot run without. All problems
// are reported at once.
func (cfg *Config) Validate() error {
	var errs []error
	required := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, &ConfigError{Field: field, Reason: "must not be empty"})
		}
	}
	singleWord := func(field, value string) {
		if strings.ContainsAny(strings.TrimSpace(value), " \t") {
			errs = append(errs, &ConfigError{Field: field, Reason: "must not contain spaces"})
		}
	}

	required("package.name", cfg.Package.Name)
	if len(cfg.Target.Sources) == 0 {
		errs = append(errs, &ConfigError{Field: "target.sources", Reason: errNoSources.Error()})
	}

	required("toolchain.root", cfg.Toolchain.Root)
	singleWord("toolchain.root", cfg.Toolchain.Root)
	required("toolchain.prefix", cfg.Toolchain.Prefix)
	singleWord("toolchain.prefix", cfg.Toolchain.Prefix)

	required("ip.version", cfg.IP.Version)
	required("ip.areas", cfg.IP.Areas)
	required("ip.peripherals", cfg.IP.Peripherals)
	required("ip.title", cfg.IP.Title)
	required("ip.main-stack-addr", cfg.IP.MainStackAddr)
	required("ip.sub-stack-addr", cfg.IP.SubStackAddr)
	required("ip.first-read-addr", cfg.IP.FirstReadAddr)
	required("ip.first-read-size", cfg.IP.FirstReadSize)
	required("ip.first-read-bin", cfg.IP.FirstReadBin)
	if cfg.IP.ReleaseDate != "" && !releaseDateRegex.MatchString(cfg.IP.ReleaseDate) {
		errs = append(errs, &ConfigError{Field: "ip.release-date", Reason: "expected YYYYMMDD"})
	}

	required("dirs.build", cfg.Dirs.Build)
	required("dirs.image", cfg.Dirs.Image)
	required("dirs.audio", cfg.Dirs.Audio)
	required("dirs.output", cfg.Dirs.Output)

	for file, sym := range cfg.Assets {
		if strings.TrimSpace(sym) == "" {
			errs = append(errs, &ConfigError{Field: "assets." + file, Reason: "invalid builtin asset name"})
		}
	}

	return errors.Join(errs...)
}

var releaseDateRegex = regexp.MustCompile(`^\d{8}$`)

// OptFlags returns the compiler flags contributed by a build profile.
func (cfg *Config) OptFlags(profile string) ([]string, error) {
	prof, ok := cfg.Profile[profile]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q, known profiles: %s", profile, strings.Join(cfg.Profiles(), ", "))
	}
	var cflags []string
	if optLevel := optLevelString(prof.OptLevel); optLevel != "" {
		cflags = append(cflags, "-O"+optLevel)
	}
	return append(cflags, prof.Cflags...), nil
}

//
// expr-lang helpers
//

func (cfg Config) RunBuildScript(env ConfigEnv) error {
	if cfg.Package.Build == "" {
		return nil
	}

	program, err := expr.Compile(cfg.Package.Build, expr.Env(env))
	if err != nil {
		return fmt.Errorf("failed to compile build script for %q: %w", cfg.Package.Name, err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return fmt.Errorf("failed to run build script for %q: %w", cfg.Package.Name, err)
	}

	if result, ok := result.(bool); !ok || !result {
		return fmt.Errorf("build script for %q returned false\n%s", cfg.Package.Name, cfg.Package.Build)
	}

	return nil
}

type ConfigEnv struct {
	HostOS   string            `expr:"host_os"`
	HostArch string            `expr:"host_arch"`
	Environ  map[string]string `expr:"environ"`
	basedir  string
}

func NewConfigEnv(basedir string) ConfigEnv {
	environ := make(map[string]string)
	for _, e := range os.Environ() {
		if k, v, ok := strings.Cut(e, "="); ok {
			environ[k] = v
		}
	}

	return ConfigEnv{
		HostOS:   runtime.GOOS,
		HostArch: runtime.GOARCH,
		Environ:  environ,
		basedir:  basedir,
	}
}

// insideBasedir joins path onto the project directory and refuses to leave it.
func (env ConfigEnv) insideBasedir(path string) string {
	fullPath := filepath.Join(env.basedir, path)
	rel, err := filepath.Rel(env.basedir, fullPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		panic(fmt.Sprintf("path %q is outside of project directory %q", path, env.basedir))
	}
	return fullPath
}

// Patch applies a diff-match-patch patch to a file in the project directory
// and reports whether anything was applied.
func (env ConfigEnv) Patch(path, patchText string) bool {
	fullPath := env.insideBasedir(path)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		panic(err)
	}

	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(patchText)
	if err != nil {
		panic(err)
	}
	patchedText, results := dmp.PatchApply(patches, string(data))
	if !slices.Contains(results, true) {
		return false // nothing was applied, nothing to write
	}

	if err := os.WriteFile(fullPath, []byte(patchedText), 0644); err != nil {
		panic(err)
	}
	return true
}

func (env ConfigEnv) ReadFile(path string) string {
	data, err := os.ReadFile(env.insideBasedir(path))
	if err != nil {
		panic(err)
	}
	return string(data)
}
