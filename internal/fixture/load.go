package fixture

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultProfile is used when neither a file nor a profile is named.
const DefaultProfile = "fantom-mim"

//go:embed profiles/*.yaml
var profileFS embed.FS

//go:embed schema.cue
var cueSchema []byte

// Profiles lists the built-in profile names.
func Profiles() []string {
	entries, err := profileFS.ReadDir("profiles")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// Profile returns a built-in profile, not yet defaulted.
func Profile(name string) (*Fixture, error) {
	data, err := profileFS.ReadFile("profiles/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("unknown profile %q (have %s)", name, strings.Join(Profiles(), ", "))
	}
	return parseYAML(data)
}

// LoadFile reads a fixture file, picking the decoder by extension.
func LoadFile(path string) (*Fixture, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading fixture: %w", err)
		}
		f, err := parseYAML(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return f, nil
	case ".toml":
		return loadTOML(path)
	case ".cue":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading fixture: %w", err)
		}
		f, err := ParseCUE(data, path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported fixture format %q (want .yaml, .toml or .cue)", ext)
	}
}

func parseYAML(data []byte) (*Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing fixture YAML: %w", err)
	}
	return &f, nil
}

func loadTOML(path string) (*Fixture, error) {
	var f Fixture
	meta, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("parsing fixture TOML: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown fixture keys: %s", path, strings.Join(keys, ", "))
	}
	return &f, nil
}

// ParseCUE unifies a CUE document with the fixture schema and decodes it.
// The document must be concrete.
func ParseCUE(data []byte, filename string) (*Fixture, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(cueSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compiling fixture schema: %w", err)
	}
	doc := ctx.CompileBytes(data, cue.Filename(filename))
	if err := doc.Err(); err != nil {
		return nil, fmt.Errorf("compiling fixture CUE: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Fixture")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validating fixture CUE: %w", err)
	}
	var f Fixture
	if err := v.Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding fixture CUE: %w", err)
	}
	return &f, nil
}

// env is the HARNESS_* override surface. Empty values leave the fixture
// untouched.
type env struct {
	Backend    string `envconfig:"BACKEND"`
	RPCURL     string `envconfig:"RPC_URL"`
	Amount     string `envconfig:"AMOUNT"`
	Whale      string `envconfig:"WHALE"`
	Vault      string `envconfig:"VAULT"`
	Strategy   string `envconfig:"STRATEGY"`
	SleepHours string `envconfig:"SLEEP_HOURS"`
	NoProfit   string `envconfig:"NO_PROFIT"`
	Prepare    string `envconfig:"PREPARE"`
}

// EnvPrefix is the environment variable prefix for overrides.
const EnvPrefix = "harness"

// ApplyEnv patches f from HARNESS_* variables.
func ApplyEnv(f *Fixture) error {
	var e env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return fmt.Errorf("reading HARNESS_ environment: %w", err)
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&f.Chain.Backend, e.Backend)
	override(&f.Chain.RPCURL, e.RPCURL)
	override(&f.Amount, e.Amount)
	override(&f.Whale, e.Whale)
	override(&f.VaultAddress, e.Vault)
	override(&f.StrategyAddress, e.Strategy)
	if e.SleepHours != "" {
		h, err := strconv.ParseUint(e.SleepHours, 10, 64)
		if err != nil {
			return fmt.Errorf("HARNESS_SLEEP_HOURS: %w", err)
		}
		f.SleepHours = h
	}
	if e.NoProfit != "" {
		b, err := strconv.ParseBool(e.NoProfit)
		if err != nil {
			return fmt.Errorf("HARNESS_NO_PROFIT: %w", err)
		}
		f.Toggles.NoProfit = b
	}
	if e.Prepare != "" {
		b, err := strconv.ParseBool(e.Prepare)
		if err != nil {
			return fmt.Errorf("HARNESS_PREPARE: %w", err)
		}
		f.Chain.Prepare = b
	}
	return nil
}

// Resolve produces the fixture of a run: the file at path if set, else the
// named profile, else the default profile; then env overrides, defaults and
// validation.
func Resolve(path, profile string) (*Fixture, error) {
	var (
		f   *Fixture
		err error
	)
	switch {
	case path != "" && profile != "":
		return nil, errors.New("use either a fixture file or a profile, not both")
	case path != "":
		f, err = LoadFile(path)
	case profile != "":
		f, err = Profile(profile)
	default:
		f, err = Profile(DefaultProfile)
	}
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(f); err != nil {
		return nil, err
	}
	f.ApplyDefaults()
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fixture %q: %w", f.Name, err)
	}
	return f, nil
}
