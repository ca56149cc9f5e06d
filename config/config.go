// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sustainable-computing-io/kepler-trace/internal/device"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level" toml:"level"`
		Format string `yaml:"format" toml:"format"`
	}
	Host struct {
		ProcFS string `yaml:"procfs" toml:"procfs"`
	}

	// Trace describes the measurement session
	Trace struct {
		PID       int           `yaml:"pid" toml:"pid"`             // 0 traces the whole system
		Duration  time.Duration `yaml:"duration" toml:"duration"`   // total session length
		Interval  time.Duration `yaml:"interval" toml:"interval"`   // time between samples
		Verbosity int           `yaml:"verbosity" toml:"verbosity"` // console detail; 2 and above enables debug logs
	}

	// Rapl configuration
	Rapl struct {
		// Domains restricts the probed domains; empty probes all of them
		Domains []string `yaml:"domains" toml:"domains"`

		// PowerCeiling in watts bounds the power assumed when checking whether
		// the interval is shorter than a counter wrap; 0 uses MSR_PKG_POWER_INFO
		PowerCeiling float64 `yaml:"powerCeiling" toml:"powerCeiling"`
	}

	MSR struct {
		DevicePath string `yaml:"devicePath" toml:"devicePath"` // template with one %d for the cpu
		CPU        int    `yaml:"cpu" toml:"cpu"`
	}

	// Development mode settings; disabled by default
	Dev struct {
		FakeMSR struct {
			Enabled *bool    `yaml:"enabled" toml:"enabled"`
			Domains []string `yaml:"domains" toml:"domains"`
			Seed    int64    `yaml:"seed" toml:"seed"`   // 0 picks a random seed
			Start   uint32   `yaml:"start" toml:"start"` // initial raw counter value
		} `yaml:"fake-msr" toml:"fake-msr"`
	}
	Web struct {
		Config          string   `yaml:"configFile" toml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses" toml:"listenAddresses"`
	}

	// Exporter configuration
	StdoutExporter struct {
		Enabled *bool `yaml:"enabled" toml:"enabled"`
	}

	CSVExporter struct {
		Enabled   *bool  `yaml:"enabled" toml:"enabled"`
		OutputDir string `yaml:"outputDir" toml:"outputDir"`
	}

	PrometheusExporter struct {
		Enabled         *bool    `yaml:"enabled" toml:"enabled"`
		DebugCollectors []string `yaml:"debugCollectors" toml:"debugCollectors"`
	}

	Exporter struct {
		Stdout     StdoutExporter     `yaml:"stdout" toml:"stdout"`
		CSV        CSVExporter        `yaml:"csv" toml:"csv"`
		Prometheus PrometheusExporter `yaml:"prometheus" toml:"prometheus"`
	}

	// Debug configuration
	PprofDebug struct {
		Enabled *bool `yaml:"enabled" toml:"enabled"`
	}

	Debug struct {
		Pprof PprofDebug `yaml:"pprof" toml:"pprof"`
	}

	Config struct {
		Log      Log      `yaml:"log" toml:"log"`
		Host     Host     `yaml:"host" toml:"host"`
		Trace    Trace    `yaml:"trace" toml:"trace"`
		Rapl     Rapl     `yaml:"rapl" toml:"rapl"`
		MSR      MSR      `yaml:"msr" toml:"msr"`
		Exporter Exporter `yaml:"exporter" toml:"exporter"`
		Web      Web      `yaml:"web" toml:"web"`
		Debug    Debug    `yaml:"debug" toml:"debug"`
		Dev      Dev      `yaml:"dev" toml:"dev"` // WARN: do not expose dev settings as flags
	}
)

type SkipValidation int

const (
	SkipHostValidation SkipValidation = 1
)

const (
	// Args
	PIDArg      = "pid"
	DurationArg = "duration"

	// Flags
	ConfigFileFlag = "config.file"

	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostProcFSFlag = "host.procfs"

	TraceIntervalFlag  = "interval"
	TraceVerbosityFlag = "verbose"
	OutputDirFlag      = "output-dir"

	RaplDomainsFlag      = "rapl.domains"
	RaplPowerCeilingFlag = "rapl.power-ceiling"

	MSRDevicePathFlag = "msr.device-path"
	MSRCPUFlag        = "msr.cpu"

	pprofEnabledFlag = "debug.pprof"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	// Exporters
	ExporterStdoutEnabledFlag     = "exporter.stdout"
	ExporterCSVEnabledFlag        = "exporter.csv"
	ExporterPrometheusEnabledFlag = "exporter.prometheus"
	// NOTE: not a flag
	ExporterPrometheusDebugCollectors = "exporter.prometheus.debug-collectors"

	// WARN:  dev settings shouldn't be exposed as flags as flags are intended for end users
	DevFakeMSR = "dev.fake-msr.enabled" // not a flag
)

const (
	DefaultInterval      = time.Second
	MinInterval          = time.Millisecond
	DefaultDuration      = time.Minute
	DefaultListenAddress = ":28283"
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			ProcFS: "/proc",
		},
		Trace: Trace{
			Duration: DefaultDuration,
			Interval: DefaultInterval,
		},
		Rapl: Rapl{
			Domains: []string{},
		},
		MSR: MSR{
			DevicePath: device.DefaultMSRDevicePath,
		},
		Exporter: Exporter{
			Stdout: StdoutExporter{
				Enabled: ptr.To(true),
			},
			CSV: CSVExporter{
				Enabled:   ptr.To(true),
				OutputDir: ".",
			},
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(false),
				DebugCollectors: []string{"go"},
			},
		},
		Debug: Debug{
			Pprof: PprofDebug{
				Enabled: ptr.To(false),
			},
		},
		Web: Web{
			ListenAddresses: []string{DefaultListenAddress},
		},
	}

	cfg.Dev.FakeMSR.Enabled = ptr.To(false)
	return cfg
}

// Load loads a YAML configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	return load(r, (*Builder).Merge)
}

// LoadTOML loads a TOML configuration from an io.Reader
func LoadTOML(r io.Reader) (*Config, error) {
	return load(r, (*Builder).MergeTOML)
}

func load(r io.Reader, merge func(*Builder, ...string) *Builder) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	b := &Builder{}
	cfg, err := merge(b.Use(DefaultConfig()), string(data)).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file; files ending in .toml are read as
// TOML, everything else as YAML
func FromFile(filePath string) (cfg *Config, err error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if strings.EqualFold(filepath.Ext(filePath), ".toml") {
		return LoadTOML(file)
	}
	return Load(file)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers the positional arguments and command-line flags with
// kingpin app and returns ConfigUpdaterFn that updates the config from parsed
// flags as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		// Clear the map in case this function is called multiple times
		flagsSet = map[string]bool{}

		for _, element := range ctx.Elements {
			if element.Value == nil {
				continue
			}
			switch clause := element.Clause.(type) {
			case *kingpin.FlagClause:
				flagsSet[clause.Model().Name] = true
			case *kingpin.ArgClause:
				flagsSet[clause.Model().Name] = true
			}
		}
		return nil
	})

	// session
	pid := app.Arg(PIDArg, "PID of the process to trace; 0 traces the whole system").Required().Int()
	duration := app.Arg(DurationArg, "Trace duration in seconds").Required().Float64()
	interval := app.Flag(TraceIntervalFlag, "Sampling interval in seconds").Short('i').Default("1").Float64()
	verbosity := app.Flag(TraceVerbosityFlag, "Increase console detail; -vv enables debug logs").Short('v').Counter()
	outputDir := app.Flag(OutputDirFlag, "Directory the CSV files are written to").Default(".").String()

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")
	// host
	hostProcFS := app.Flag(HostProcFSFlag, "Host procfs path").Default("/proc").ExistingDir()

	// rapl
	raplDomains := app.Flag(RaplDomainsFlag, "RAPL domains to trace (package, core, uncore, dram, platform); repeatable").Strings()
	raplPowerCeiling := app.Flag(RaplPowerCeilingFlag, "Maximum plausible power in watts; 0 reads it from MSR_PKG_POWER_INFO").Default("0").Float64()

	// msr
	msrDevicePath := app.Flag(MSRDevicePathFlag, "MSR device path template").Default(device.DefaultMSRDevicePath).String()
	msrCPU := app.Flag(MSRCPUFlag, "Logical CPU whose MSR device is read").Default("0").Int()

	enablePprof := app.Flag(pprofEnabledFlag, "Enable pprof debug endpoints").Default("false").Bool()
	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(DefaultListenAddress).Strings()

	// exporters
	stdoutExporterEnabled := app.Flag(ExporterStdoutEnabledFlag, "Print every sample and the summary to stdout").Default("true").Bool()
	csvExporterEnabled := app.Flag(ExporterCSVEnabledFlag, "Write the energy, power and summary CSV files").Default("true").Bool()
	prometheusExporterEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Serve the latest sample as Prometheus metrics").Default("false").Bool()

	return func(cfg *Config) error {
		if flagsSet[PIDArg] {
			cfg.Trace.PID = *pid
		}
		if flagsSet[DurationArg] {
			cfg.Trace.Duration = secondsToDuration(*duration)
		}
		if flagsSet[TraceIntervalFlag] {
			cfg.Trace.Interval = secondsToDuration(*interval)
		}
		if flagsSet[TraceVerbosityFlag] {
			cfg.Trace.Verbosity = *verbosity
		}
		if flagsSet[OutputDirFlag] {
			cfg.Exporter.CSV.OutputDir = *outputDir
		}

		// Logging settings
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}

		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		if flagsSet[HostProcFSFlag] {
			cfg.Host.ProcFS = *hostProcFS
		}

		if flagsSet[RaplDomainsFlag] {
			cfg.Rapl.Domains = *raplDomains
		}
		if flagsSet[RaplPowerCeilingFlag] {
			cfg.Rapl.PowerCeiling = *raplPowerCeiling
		}

		if flagsSet[MSRDevicePathFlag] {
			cfg.MSR.DevicePath = *msrDevicePath
		}
		if flagsSet[MSRCPUFlag] {
			cfg.MSR.CPU = *msrCPU
		}

		if flagsSet[pprofEnabledFlag] {
			cfg.Debug.Pprof.Enabled = enablePprof
		}

		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}

		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		if flagsSet[ExporterStdoutEnabledFlag] {
			cfg.Exporter.Stdout.Enabled = stdoutExporterEnabled
		}

		if flagsSet[ExporterCSVEnabledFlag] {
			cfg.Exporter.CSV.Enabled = csvExporterEnabled
		}

		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusExporterEnabled
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.ProcFS = strings.TrimSpace(c.Host.ProcFS)
	c.MSR.DevicePath = strings.TrimSpace(c.MSR.DevicePath)
	c.Exporter.CSV.OutputDir = strings.TrimSpace(c.Exporter.CSV.OutputDir)
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	for i := range c.Web.ListenAddresses {
		c.Web.ListenAddresses[i] = strings.TrimSpace(c.Web.ListenAddresses[i])
	}

	for i := range c.Rapl.Domains {
		c.Rapl.Domains[i] = strings.TrimSpace(c.Rapl.Domains[i])
	}
	for i := range c.Dev.FakeMSR.Domains {
		c.Dev.FakeMSR.Domains[i] = strings.TrimSpace(c.Dev.FakeMSR.Domains[i])
	}

	for i := range c.Exporter.Prometheus.DebugCollectors {
		c.Exporter.Prometheus.DebugCollectors[i] = strings.TrimSpace(c.Exporter.Prometheus.DebugCollectors[i])
	}
}

// Validate checks for configuration errors
func (c *Config) Validate(skips ...SkipValidation) error {
	validationSkipped := make(map[SkipValidation]bool, len(skips))
	for _, v := range skips {
		validationSkipped[v] = true
	}
	var errs []string
	{ // log level

		validLogLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}

		if _, valid := validLogLevels[c.Log.Level]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		validFormats := map[string]bool{
			"text": true,
			"json": true,
		}
		if _, valid := validFormats[c.Log.Format]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}

	{ // Validate host settings
		if _, skip := validationSkipped[SkipHostValidation]; !skip {
			if err := canReadDir(c.Host.ProcFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid procfs path: %s: %s ", c.Host.ProcFS, err.Error()))
			}
		}
	}
	{ // Trace
		if c.Trace.PID < 0 {
			errs = append(errs, fmt.Sprintf("invalid pid: %d can't be negative", c.Trace.PID))
		}
		if c.Trace.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("invalid trace duration: %s must be positive", c.Trace.Duration))
		}
		if c.Trace.Interval < MinInterval {
			errs = append(errs, fmt.Sprintf("invalid trace interval: %s is below the minimum of %s", c.Trace.Interval, MinInterval))
		}
		if c.Trace.Verbosity < 0 {
			errs = append(errs, fmt.Sprintf("invalid verbosity: %d can't be negative", c.Trace.Verbosity))
		}
	}
	{ // RAPL
		if _, err := ParseDomains(c.Rapl.Domains); err != nil {
			errs = append(errs, fmt.Sprintf("invalid rapl domains: %s", err.Error()))
		}
		if c.Rapl.PowerCeiling < 0 {
			errs = append(errs, fmt.Sprintf("invalid rapl power ceiling: %g can't be negative", c.Rapl.PowerCeiling))
		}
	}
	{ // MSR
		if strings.Count(c.MSR.DevicePath, "%d") != 1 {
			errs = append(errs, fmt.Sprintf("invalid msr device path %q: must contain exactly one %%d", c.MSR.DevicePath))
		}
		if c.MSR.CPU < 0 {
			errs = append(errs, fmt.Sprintf("invalid msr cpu: %d can't be negative", c.MSR.CPU))
		}
	}
	{ // Exporters
		if ptr.Deref(c.Exporter.CSV.Enabled, false) && c.Exporter.CSV.OutputDir == "" {
			errs = append(errs, fmt.Sprintf("%s cannot be empty when %s is true", OutputDirFlag, ExporterCSVEnabledFlag))
		}
		for _, name := range c.Exporter.Prometheus.DebugCollectors {
			if name != "go" && name != "process" {
				errs = append(errs, fmt.Sprintf("invalid prometheus debug collector: %q", name))
			}
		}
	}
	if c.ServesHTTP() {
		{ // Web config file
			if c.Web.Config != "" {
				if err := canReadFile(c.Web.Config); err != nil {
					errs = append(errs, fmt.Sprintf("invalid web config file. path: %q: %s", c.Web.Config, err.Error()))
				}
			}
		}
		{ // Web listen addresses
			if len(c.Web.ListenAddresses) == 0 {
				errs = append(errs, "at least one web listen address must be specified")
			}
			for _, addr := range c.Web.ListenAddresses {
				if addr == "" {
					errs = append(errs, "web listen address cannot be empty")
					continue
				}
				if err := validateListenAddress(addr); err != nil {
					errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
				}
			}
		}
	}
	{ // Dev
		if _, err := ParseDomains(c.Dev.FakeMSR.Domains); err != nil {
			errs = append(errs, fmt.Sprintf("invalid fake msr domains: %s", err.Error()))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

// ServesHTTP reports whether any enabled component needs the API server
func (c *Config) ServesHTTP() bool {
	return ptr.Deref(c.Exporter.Prometheus.Enabled, false) || ptr.Deref(c.Debug.Pprof.Enabled, false)
}

// ParseDomains resolves configured RAPL domain names. Duplicates are kept;
// the registry ignores them.
func ParseDomains(names []string) ([]device.Domain, error) {
	domains := make([]device.Domain, 0, len(names))
	for _, name := range names {
		d, err := device.ParseDomain(name)
		if err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, nil
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()

	_, err = f.ReadDir(1)
	return err
}

func canReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()
	buf := make([]byte, 8)
	_, err = f.Read(buf)
	return err
}

func validateListenAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("port must be numeric, got %s", port)
	}
	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err == nil {
		return string(bytes)
	}
	// NOTE:  this code path should not happen but if it does (i.e if yaml marshal) fails
	// for some reason, manually build the string
	return c.manualString()
}

func (c *Config) manualString() string {
	cfgs := []struct {
		Name  string
		Value string
	}{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{HostProcFSFlag, c.Host.ProcFS},
		{PIDArg, strconv.Itoa(c.Trace.PID)},
		{DurationArg, c.Trace.Duration.String()},
		{TraceIntervalFlag, c.Trace.Interval.String()},
		{TraceVerbosityFlag, strconv.Itoa(c.Trace.Verbosity)},
		{RaplDomainsFlag, strings.Join(c.Rapl.Domains, ", ")},
		{RaplPowerCeilingFlag, strconv.FormatFloat(c.Rapl.PowerCeiling, 'g', -1, 64)},
		{MSRDevicePathFlag, c.MSR.DevicePath},
		{MSRCPUFlag, strconv.Itoa(c.MSR.CPU)},
		{ExporterStdoutEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Stdout.Enabled, false))},
		{ExporterCSVEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.CSV.Enabled, false))},
		{OutputDirFlag, c.Exporter.CSV.OutputDir},
		{ExporterPrometheusEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Exporter.Prometheus.Enabled, false))},
		{ExporterPrometheusDebugCollectors, strings.Join(c.Exporter.Prometheus.DebugCollectors, ", ")},
		{pprofEnabledFlag, fmt.Sprintf("%v", ptr.Deref(c.Debug.Pprof.Enabled, false))},
		{DevFakeMSR, fmt.Sprintf("%v", ptr.Deref(c.Dev.FakeMSR.Enabled, false))},
	}
	sb := strings.Builder{}

	for _, cfg := range cfgs {
		sb.WriteString(cfg.Name)
		sb.WriteString(": ")
		sb.WriteString(cfg.Value)
		sb.WriteString("\n")
	}

	return sb.String()
}
