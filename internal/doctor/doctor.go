package doctor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/remindbot/internal/config"
	"github.com/basket/remindbot/internal/persistence"
	"github.com/basket/remindbot/internal/prompts"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkCredentials,
		checkDatabase,
		checkPermissions,
		checkPrompts,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, running on defaults"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail:  fmt.Sprintf("fingerprint=%s timezone=%s mode=%s", cfg.Fingerprint(), cfg.Timezone, cfg.Telegram.Mode),
	}
}

func checkCredentials(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Credentials", Status: StatusSkip, Message: "Config missing"}
	}
	var missing []string
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		missing = append(missing, "TELEGRAM_TOKEN")
	}
	if strings.TrimSpace(cfg.LLM.APIKey) == "" {
		missing = append(missing, "LLM_API_KEY")
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Credentials",
			Status:  StatusFail,
			Message: fmt.Sprintf("Missing %s", strings.Join(missing, ", ")),
			Detail:  "Set them in the environment or in config.yaml",
		}
	}
	return CheckResult{Name: "Credentials", Status: StatusPass, Message: "Telegram token and LLM key are set"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(config.DBPath(cfg.HomeDir), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: fmt.Sprintf("Schema version %d", version)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkPrompts(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Prompts", Status: StatusSkip, Message: "Config missing"}
	}
	set, err := prompts.Load(config.PromptsDir(cfg.HomeDir), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return CheckResult{Name: "Prompts", Status: StatusFail, Message: fmt.Sprintf("Load failed: %v", err)}
	}
	var overridden []string
	for _, name := range prompts.All {
		if set.Overridden(name) {
			overridden = append(overridden, string(name))
		}
	}
	if len(overridden) == 0 {
		return CheckResult{Name: "Prompts", Status: StatusPass, Message: "Using built-in prompts"}
	}
	return CheckResult{
		Name:    "Prompts",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d of %d prompts overridden", len(overridden), len(prompts.All)),
		Detail:  strings.Join(overridden, ", "),
	}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}

	u, err := url.Parse(cfg.LLM.BaseURL)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "Network", Status: StatusFail, Message: fmt.Sprintf("Invalid llm.base_url %q", cfg.LLM.BaseURL)}
	}
	host := u.Hostname()

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}
