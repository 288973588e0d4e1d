package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete labvm configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	LogJSON   bool            `yaml:"log_json"`
	API       APIConfig       `yaml:"api"`
	Store     StoreConfig     `yaml:"store"`
	Proxmox   ProxmoxConfig   `yaml:"proxmox"`
	Network   NetworkConfig   `yaml:"network"`
	VM        VMConfig        `yaml:"vm"`
	Provision ProvisionConfig `yaml:"provision"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Janitor   JanitorConfig   `yaml:"janitor"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Addr string `yaml:"addr"`
	Mode string `yaml:"mode"` // gin mode: debug or release

	// OperationTimeout bounds a VM operation started by a request. The
	// operation keeps running when the client goes away.
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	Driver  string `yaml:"driver"` // "bolt" or "postgres"
	DataDir string `yaml:"data_dir"`
	DSN     string `yaml:"dsn"`
}

// ProxmoxConfig describes the cluster and the API token used to drive it.
type ProxmoxConfig struct {
	URL                string        `yaml:"url"` // e.g. https://pve1:8006
	User               string        `yaml:"user"`
	TokenID            string        `yaml:"token_id"`
	TokenSecret        string        `yaml:"token_secret"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Nodes              []string      `yaml:"nodes"`
	PrimaryNode        string        `yaml:"primary_node"`
	TemplateNode       string        `yaml:"template_node"`
	TemplateVMID       int           `yaml:"template_vmid"`
	Storage            string        `yaml:"storage"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	RetryMax           int           `yaml:"retry_max"`
	RetryWaitMin       time.Duration `yaml:"retry_wait_min"`
	RetryWaitMax       time.Duration `yaml:"retry_wait_max"`
	HA                 HAConfig      `yaml:"ha"`
}

// HAConfig controls registration of new VMs as HA resources.
type HAConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Group       string `yaml:"group"`
	MaxRestart  int    `yaml:"max_restart"`
	MaxRelocate int    `yaml:"max_relocate"`
}

// NetworkConfig is the address plan for the VM network.
type NetworkConfig struct {
	CIDR       string `yaml:"cidr"`
	Gateway    string `yaml:"gateway"`
	Nameserver string `yaml:"nameserver"`
	PoolStart  string `yaml:"pool_start"`
	PoolEnd    string `yaml:"pool_end"`
}

// VMConfig holds per-VM defaults.
type VMConfig struct {
	NamePrefix      string        `yaml:"name_prefix"`
	CIUser          string        `yaml:"ci_user"`
	VMIDStart       int           `yaml:"vmid_start"`
	DefaultRuntime  time.Duration `yaml:"default_runtime"`
	MaxRuntime      time.Duration `yaml:"max_runtime"`
	DiskGB          int           `yaml:"disk_gb"`
	CloudInitDiskGB int           `yaml:"cloudinit_disk_gb"`
	ReserveGB       int           `yaml:"reserve_gb"`
}

// ProvisionConfig configures the ansible run that finishes a new VM.
type ProvisionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Binary         string        `yaml:"binary"`
	Playbook       string        `yaml:"playbook"`
	User           string        `yaml:"user"`
	PrivateKey     string        `yaml:"private_key"`
	SetupTimeout   time.Duration `yaml:"setup_timeout"`
	SSHWaitTimeout time.Duration `yaml:"ssh_wait_timeout"`
}

// SchedulerConfig holds node admission thresholds.
type SchedulerConfig struct {
	CPUThreshold    float64       `yaml:"cpu_threshold"`
	MemoryThreshold float64       `yaml:"memory_threshold"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	RedisURL        string        `yaml:"redis_url"`
}

// ReconcileConfig configures the cluster reconciliation loop.
type ReconcileConfig struct {
	Interval   time.Duration `yaml:"interval"`
	VMTimeout  time.Duration `yaml:"vm_timeout"`
	SyncStatus bool          `yaml:"sync_status"`
}

// JanitorConfig configures the maintenance sweeps.
type JanitorConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	FailedGrace   time.Duration `yaml:"failed_grace"`
	InactiveAfter time.Duration `yaml:"inactive_after"`
}

// AlertsConfig configures migration alerts.
type AlertsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	AMQPURL    string `yaml:"amqp_url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// Defaults returns a configuration with every default applied.
func Defaults() *Config {
	return &Config{
		LogLevel: "info",
		API:      APIConfig{Addr: ":8080", Mode: "release", OperationTimeout: 90 * time.Minute},
		Store:    StoreConfig{Driver: "bolt", DataDir: "/var/lib/labvm"},
		Proxmox: ProxmoxConfig{
			User:           "root@pam",
			Nodes:          []string{"pve"},
			PrimaryNode:    "pve",
			TemplateNode:   "pve",
			TemplateVMID:   9000,
			Storage:        "local-lvm",
			PollInterval:   2 * time.Second,
			RequestTimeout: 30 * time.Second,
			RetryMax:       2,
			RetryWaitMin:   time.Second,
			RetryWaitMax:   4 * time.Second,
			HA:             HAConfig{Group: "default", MaxRestart: 3, MaxRelocate: 1},
		},
		Network: NetworkConfig{
			CIDR:       "192.168.100.0/24",
			Gateway:    "192.168.100.1",
			Nameserver: "8.8.8.8",
			PoolStart:  "192.168.100.10",
			PoolEnd:    "192.168.100.250",
		},
		VM: VMConfig{
			NamePrefix:      "labvm",
			CIUser:          "student",
			VMIDStart:       200,
			DefaultRuntime:  12 * time.Hour,
			MaxRuntime:      12 * time.Hour,
			DiskGB:          20,
			CloudInitDiskGB: 1,
			ReserveGB:       5,
		},
		Provision: ProvisionConfig{
			Enabled:        true,
			Binary:         "ansible-playbook",
			Playbook:       "setup-vm.yml",
			User:           "student",
			PrivateKey:     "/etc/labvm/id_ed25519",
			SetupTimeout:   300 * time.Second,
			SSHWaitTimeout: 180 * time.Second,
		},
		Scheduler: SchedulerConfig{
			CPUThreshold:    80,
			MemoryThreshold: 80,
			CacheTTL:        10 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval:   30 * time.Second,
			VMTimeout:  10 * time.Second,
			SyncStatus: true,
		},
		Janitor: JanitorConfig{
			Enabled:       true,
			Interval:      5 * time.Minute,
			FailedGrace:   10 * time.Minute,
			InactiveAfter: 14 * 24 * time.Hour,
		},
		Alerts: AlertsConfig{
			Exchange:   "labvm.alerts",
			RoutingKey: "vm.migrated",
		},
	}
}

// Load reads the YAML file at path (optional), then the .env file at envFile
// (optional, missing file ignored), then LABVM_* environment overrides.
// The result is validated.
func Load(path, envFile string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"LABVM_LOG_LEVEL":             &c.LogLevel,
		"LABVM_API_ADDR":              &c.API.Addr,
		"LABVM_STORE_DRIVER":          &c.Store.Driver,
		"LABVM_DATA_DIR":              &c.Store.DataDir,
		"LABVM_STORE_DSN":             &c.Store.DSN,
		"LABVM_PROXMOX_URL":           &c.Proxmox.URL,
		"LABVM_PROXMOX_USER":          &c.Proxmox.User,
		"LABVM_PROXMOX_TOKEN_ID":      &c.Proxmox.TokenID,
		"LABVM_PROXMOX_TOKEN_SECRET":  &c.Proxmox.TokenSecret,
		"LABVM_PROXMOX_PRIMARY_NODE":  &c.Proxmox.PrimaryNode,
		"LABVM_PROVISION_PRIVATE_KEY": &c.Provision.PrivateKey,
		"LABVM_REDIS_URL":             &c.Scheduler.RedisURL,
		"LABVM_AMQP_URL":              &c.Alerts.AMQPURL,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"LABVM_LOG_JSON":              &c.LogJSON,
		"LABVM_PROXMOX_INSECURE":      &c.Proxmox.InsecureSkipVerify,
		"LABVM_ALERTS_ENABLED":        &c.Alerts.Enabled,
		"LABVM_PROVISION_ENABLED":     &c.Provision.Enabled,
		"LABVM_RECONCILE_SYNC_STATUS": &c.Reconcile.SyncStatus,
		"LABVM_JANITOR_ENABLED":       &c.Janitor.Enabled,
		"LABVM_PROXMOX_HA_ENABLED":    &c.Proxmox.HA.Enabled,
	}
	for key, dst := range bools {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s: %q", key, v)
		}
		*dst = b
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Store.Driver != "bolt" && c.Store.Driver != "postgres" {
		return fmt.Errorf("store.driver must be bolt or postgres, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for the postgres driver")
	}
	if c.Store.Driver == "bolt" && c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required for the bolt driver")
	}

	if len(c.Proxmox.Nodes) == 0 {
		return fmt.Errorf("proxmox.nodes must list at least one node")
	}
	if c.Proxmox.PrimaryNode == "" {
		c.Proxmox.PrimaryNode = c.Proxmox.Nodes[0]
	}
	if c.Proxmox.TemplateNode == "" {
		c.Proxmox.TemplateNode = c.Proxmox.PrimaryNode
	}
	if c.Proxmox.TemplateVMID <= 0 {
		return fmt.Errorf("proxmox.template_vmid must be positive")
	}
	if c.Proxmox.RetryMax < 0 {
		return fmt.Errorf("proxmox.retry_max must not be negative")
	}

	_, ipnet, err := net.ParseCIDR(c.Network.CIDR)
	if err != nil {
		return fmt.Errorf("invalid network.cidr %q: %w", c.Network.CIDR, err)
	}
	for name, addr := range map[string]string{
		"network.gateway":    c.Network.Gateway,
		"network.pool_start": c.Network.PoolStart,
		"network.pool_end":   c.Network.PoolEnd,
	} {
		ip := net.ParseIP(addr)
		if ip == nil {
			return fmt.Errorf("invalid %s %q", name, addr)
		}
		if !ipnet.Contains(ip) {
			return fmt.Errorf("%s %s is outside %s", name, addr, c.Network.CIDR)
		}
	}

	if c.VM.VMIDStart < 100 {
		return fmt.Errorf("vm.vmid_start must be at least 100")
	}
	if c.VM.DefaultRuntime <= 0 || c.VM.MaxRuntime < c.VM.DefaultRuntime {
		return fmt.Errorf("vm.default_runtime must be positive and not exceed vm.max_runtime")
	}

	if c.Scheduler.CPUThreshold <= 0 || c.Scheduler.CPUThreshold > 100 ||
		c.Scheduler.MemoryThreshold <= 0 || c.Scheduler.MemoryThreshold > 100 {
		return fmt.Errorf("scheduler thresholds must be in (0, 100]")
	}

	if c.API.OperationTimeout <= 0 {
		return fmt.Errorf("api.operation_timeout must be positive")
	}

	if c.Reconcile.Interval <= 0 || c.Reconcile.VMTimeout <= 0 {
		return fmt.Errorf("reconcile.interval and reconcile.vm_timeout must be positive")
	}
	if c.Janitor.Enabled && c.Janitor.Interval <= 0 {
		return fmt.Errorf("janitor.interval must be positive")
	}
	return nil
}

// PrefixLength returns the prefix length of the VM network.
func (n NetworkConfig) PrefixLength() int {
	_, ipnet, err := net.ParseCIDR(n.CIDR)
	if err != nil {
		return 24
	}
	ones, _ := ipnet.Mask.Size()
	return ones
}
