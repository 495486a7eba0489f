package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Valid deck and stake names accepted by the game server.
var (
	ValidDecks = map[string]bool{
		"RED": true, "BLUE": true, "YELLOW": true, "GREEN": true,
		"BLACK": true, "MAGIC": true, "NEBULA": true, "GHOST": true,
		"ABANDONED": true, "CHECKERED": true, "ZODIAC": true,
		"PAINTED": true, "ANAGLYPH": true, "PLASMA": true, "ERRATIC": true,
	}
	ValidStakes = map[string]bool{
		"WHITE": true, "RED": true, "GREEN": true, "BLACK": true,
		"BLUE": true, "PURPLE": true, "ORANGE": true, "GOLD": true,
	}
)

// Blind selection policies. PolicySelect always takes the blind without
// consulting the model; PolicyLLM treats BLIND_SELECT as a decision point.
const (
	PolicySelect = "select"
	PolicyLLM    = "llm"
)

type Config struct {
	// Game parameters, expanded into the task cartesian product.
	Model    []string `yaml:"model"`
	Seed     []string `yaml:"seed"`
	Deck     []string `yaml:"deck"`
	Stake    []string `yaml:"stake"`
	Strategy []string `yaml:"strategy"`

	// Execution.
	Parallel int    `yaml:"parallel"`
	RunsDir  string `yaml:"runs_dir"`

	// Game server connection. Ports() derives one port per worker
	// starting at Port.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// LLM endpoint.
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	// Provider-specific request fields merged over the defaults.
	ModelConfig map[string]any `yaml:"model_config"`

	BlindPolicy   string `yaml:"blind_policy"`
	StrategiesDir string `yaml:"strategies_dir"`
	PricingFile   string `yaml:"pricing_file"`

	Game Game `yaml:"game"`
}

// Game configures the externally-launched game server instances. An empty
// command means the instances are already running.
type Game struct {
	Command          string `yaml:"command"`
	LogDir           string `yaml:"log_dir"`
	StartupTimeoutS  int    `yaml:"startup_timeout_s"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"`
}

// Task identifies one requested run. Immutable once created.
type Task struct {
	Model    string `json:"model"`
	Seed     string `json:"seed"`
	Deck     string `json:"deck"`
	Stake    string `json:"stake"`
	Strategy string `json:"strategy"`
}

func (t Task) String() string {
	return fmt.Sprintf("%s | %s | %s | %s | %s", t.Deck, t.Stake, t.Seed, t.Strategy, t.Model)
}

// Vendor splits the model identifier into vendor and model name. Models
// without a vendor prefix fall under "other".
func (t Task) Vendor() (vendor, name string) {
	if i := strings.IndexByte(t.Model, '/'); i > 0 {
		return t.Model[:i], t.Model[i+1:]
	}
	return "other", t.Model
}

func Default() *Config {
	return &Config{
		Seed:          []string{"AAAAAAA"},
		Deck:          []string{"RED"},
		Stake:         []string{"WHITE"},
		Strategy:      []string{"default"},
		Parallel:      1,
		RunsDir:       ".",
		Host:          "127.0.0.1",
		Port:          12346,
		BaseURL:       "https://openrouter.ai/api/v1",
		BlindPolicy:   PolicySelect,
		StrategiesDir: "strategies",
		Game: Game{
			StartupTimeoutS:  60,
			ShutdownTimeoutS: 10,
		},
	}
}

// DefaultModelConfig is the base set of request fields sent with every
// chat completion; per-config model_config entries are merged over it.
func DefaultModelConfig() map[string]any {
	return map[string]any{
		"seed":                1,
		"parallel_tool_calls": false,
		"tool_choice":         "auto",
		"usage":               map[string]any{"include": true},
	}
}

// Load builds a config with precedence env < yaml. CLI flag overrides are
// applied by the caller on top of the returned value.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.applyEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	listField := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			*dst = strings.Split(v, ",")
		}
	}
	listField("BALATROLLM_MODEL", &c.Model)
	listField("BALATROLLM_SEED", &c.Seed)
	listField("BALATROLLM_DECK", &c.Deck)
	listField("BALATROLLM_STAKE", &c.Stake)
	listField("BALATROLLM_STRATEGY", &c.Strategy)

	if v := os.Getenv("BALATROLLM_PARALLEL"); v != "" {
		fmt.Sscanf(v, "%d", &c.Parallel)
	}
	if v := os.Getenv("BALATROLLM_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("BALATROLLM_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &c.Port)
	}
	if v := os.Getenv("BALATROLLM_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("BALATROLLM_API_KEY"); v != "" {
		c.APIKey = v
	}
}

func (c *Config) Validate() error {
	if len(c.Model) == 0 {
		return fmt.Errorf("at least one model is required")
	}
	if c.Parallel < 1 {
		return fmt.Errorf("parallel must be >= 1")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.Port+c.Parallel-1 > 65535 {
		return fmt.Errorf("port range %d-%d exceeds 65535", c.Port, c.Port+c.Parallel-1)
	}
	for _, deck := range c.Deck {
		if !ValidDecks[strings.ToUpper(deck)] {
			return fmt.Errorf("invalid deck: %s", deck)
		}
	}
	for _, stake := range c.Stake {
		if !ValidStakes[strings.ToUpper(stake)] {
			return fmt.Errorf("invalid stake: %s", stake)
		}
	}
	if c.BlindPolicy != PolicySelect && c.BlindPolicy != PolicyLLM {
		return fmt.Errorf("invalid blind_policy: %s", c.BlindPolicy)
	}
	return nil
}

// Tasks expands the configured parameter lists into the full cartesian
// product, ordered strategy, model, deck, stake, seed.
func (c *Config) Tasks() []Task {
	var tasks []Task
	for _, strategy := range c.Strategy {
		for _, model := range c.Model {
			for _, deck := range c.Deck {
				for _, stake := range c.Stake {
					for _, seed := range c.Seed {
						tasks = append(tasks, Task{
							Model:    model,
							Seed:     seed,
							Deck:     strings.ToUpper(deck),
							Stake:    strings.ToUpper(stake),
							Strategy: strategy,
						})
					}
				}
			}
		}
	}
	return tasks
}

func (c *Config) TotalRuns() int {
	return len(c.Model) * len(c.Seed) * len(c.Deck) * len(c.Stake) * len(c.Strategy)
}

// Ports lists the game server ports backing the worker pool.
func (c *Config) Ports() []int {
	ports := make([]int, c.Parallel)
	for i := range ports {
		ports[i] = c.Port + i
	}
	return ports
}

// MergedModelConfig deep-merges the user model_config over the defaults.
func (c *Config) MergedModelConfig() map[string]any {
	return deepMerge(DefaultModelConfig(), c.ModelConfig)
}

func deepMerge(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if bm, ok := result[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				result[k] = deepMerge(bm, om)
				continue
			}
		}
		result[k] = v
	}
	return result
}
