package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"shockctl/pkg/timeline"
)

// Protocol defaults.
const (
	DefaultBaud       = 115200
	DefaultAckTimeout = 300 * time.Millisecond
	DefaultSettleTime = 300 * time.Millisecond
	DefaultSleepSlice = time.Millisecond
	DefaultSpinWindow = 10 * time.Millisecond
)

const phasePrefix = "phase"

// Protocol is a parsed experiment protocol.
type Protocol struct {
	// Path is the file the protocol was loaded from, if any.
	Path string

	Experiment string
	// RandomFile is resolved relative to the protocol file.
	RandomFile string

	Device DeviceConfig
	Timing TimingConfig
	Phases []PhaseSpec

	// Warnings lists options and sections that were present but unused.
	Warnings []string
}

// DeviceConfig describes the serial endpoint.
type DeviceConfig struct {
	Serial     string
	Baud       int
	AckTimeout time.Duration
	SettleTime time.Duration
}

// TimingConfig tunes the two-tier waiter.
type TimingConfig struct {
	SleepSlice time.Duration
	SpinWindow time.Duration
}

// PhaseSpec is one validated phase row.
type PhaseSpec struct {
	Name       string
	DurationMS int64
	Side       timeline.Side
}

// DefaultProtocol returns a protocol with no phases and default settings.
func DefaultProtocol() *Protocol {
	return &Protocol{
		Device: DeviceConfig{
			Baud:       DefaultBaud,
			AckTimeout: DefaultAckTimeout,
			SettleTime: DefaultSettleTime,
		},
		Timing: TimingConfig{
			SleepSlice: DefaultSleepSlice,
			SpinWindow: DefaultSpinWindow,
		},
	}
}

// Timeline builds the timeline for this protocol's phases.
func (p *Protocol) Timeline(raw []timeline.RandomStep) (*timeline.Timeline, error) {
	phases := make([]timeline.Phase, 0, len(p.Phases))
	for _, spec := range p.Phases {
		ph, err := timeline.NewPhase(spec.Name, spec.DurationMS, spec.Side)
		if err != nil {
			return nil, err
		}
		phases = append(phases, ph)
	}
	return timeline.New(phases, raw), nil
}

// NeedsRandom reports whether any phase plays the random schedule.
func (p *Protocol) NeedsRandom() bool {
	for _, ph := range p.Phases {
		if ph.Side == timeline.SideRandom {
			return true
		}
	}
	return false
}

// LoadProtocol reads a protocol file. Files ending in .yaml or .yml are
// decoded as YAML, everything else as INI sections.
func LoadProtocol(path string) (*Protocol, error) {
	var (
		p   *Protocol
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var data []byte
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("config: unable to open %s: %w", path, err)
		}
		p, err = ParseProtocolYAML(data)
	default:
		var cfg *Config
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
		p, err = FromConfig(cfg)
	}
	if err != nil {
		return nil, err
	}
	p.Path = path
	if p.RandomFile != "" && !filepath.IsAbs(p.RandomFile) {
		p.RandomFile = filepath.Join(filepath.Dir(path), p.RandomFile)
	}
	return p, nil
}

// ParseProtocol parses an INI protocol from a string.
func ParseProtocol(data string) (*Protocol, error) {
	cfg, err := LoadString(data)
	if err != nil {
		return nil, err
	}
	return FromConfig(cfg)
}

// FromConfig reads a protocol out of parsed INI sections.
func FromConfig(cfg *Config) (*Protocol, error) {
	p := DefaultProtocol()

	if sec := cfg.GetSectionOptional("experiment"); sec != nil {
		p.Experiment, _ = sec.Get("name", "")
		p.RandomFile, _ = sec.Get("random_file", "")
	}

	if sec := cfg.GetSectionOptional("device"); sec != nil {
		var err error
		p.Device.Serial, _ = sec.Get("serial", "")
		if p.Device.Baud, err = sec.GetPositiveInt("baud", DefaultBaud); err != nil {
			return nil, err
		}
		if p.Device.AckTimeout, err = sec.GetDuration("ack_timeout", DefaultAckTimeout); err != nil {
			return nil, err
		}
		if p.Device.SettleTime, err = sec.GetDuration("settle_time", DefaultSettleTime); err != nil {
			return nil, err
		}
	}

	if sec := cfg.GetSectionOptional("timing"); sec != nil {
		var err error
		if p.Timing.SleepSlice, err = sec.GetDuration("sleep_slice", DefaultSleepSlice); err != nil {
			return nil, err
		}
		if p.Timing.SpinWindow, err = sec.GetDuration("spin_window", DefaultSpinWindow); err != nil {
			return nil, err
		}
	}

	for _, sec := range cfg.GetPrefixSections(phasePrefix + " ") {
		spec, err := phaseFromSection(sec)
		if err != nil {
			return nil, err
		}
		p.Phases = append(p.Phases, spec)
	}

	p.Warnings = cfg.Warnings()
	return p, nil
}

func phaseFromSection(sec *Section) (PhaseSpec, error) {
	name := sec.Suffix(phasePrefix)
	raw, err := sec.Get("duration")
	if err != nil {
		return PhaseSpec{}, err
	}
	sideRaw, err := sec.Get("side")
	if err != nil {
		return PhaseSpec{}, err
	}
	return buildPhase(sec.GetName(), name, raw, sideRaw)
}

func buildPhase(section, name, duration, side string) (PhaseSpec, error) {
	ms, err := timeline.ParseMMSS(duration)
	if err != nil {
		return PhaseSpec{}, ErrInvalidValue(section, "duration", duration, "mm:ss or seconds")
	}
	if ms <= 0 {
		return PhaseSpec{}, ErrOutOfRange(section, "duration", float64(ms)/1000, "must be positive")
	}
	s, err := timeline.ParseSide(side)
	if err != nil {
		return PhaseSpec{}, ErrInvalidChoice(section, "side", side,
			[]string{"none", "upside", "downside", "all", "random"})
	}
	return PhaseSpec{Name: name, DurationMS: ms, Side: s}, nil
}

// yamlProtocol mirrors the INI layout. Durations are strings so that both
// "1:30" and 90 decode.
type yamlProtocol struct {
	Experiment struct {
		Name       string `yaml:"name"`
		RandomFile string `yaml:"random_file"`
	} `yaml:"experiment"`
	Device struct {
		Serial     string `yaml:"serial"`
		Baud       int    `yaml:"baud"`
		AckTimeout string `yaml:"ack_timeout"`
		SettleTime string `yaml:"settle_time"`
	} `yaml:"device"`
	Timing struct {
		SleepSlice string `yaml:"sleep_slice"`
		SpinWindow string `yaml:"spin_window"`
	} `yaml:"timing"`
	Phases []struct {
		Name     string `yaml:"name"`
		Duration string `yaml:"duration"`
		Side     string `yaml:"side"`
	} `yaml:"phases"`
}

// ParseProtocolYAML decodes the YAML form of a protocol. Unknown keys are
// rejected.
func ParseProtocolYAML(data []byte) (*Protocol, error) {
	var y yamlProtocol
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&y); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: invalid yaml protocol: %w", err)
	}

	p := DefaultProtocol()
	p.Experiment = strings.TrimSpace(y.Experiment.Name)
	p.RandomFile = strings.TrimSpace(y.Experiment.RandomFile)
	p.Device.Serial = strings.TrimSpace(y.Device.Serial)
	if y.Device.Baud != 0 {
		if y.Device.Baud < 0 {
			return nil, ErrOutOfRange("device", "baud", float64(y.Device.Baud), "must be positive")
		}
		p.Device.Baud = y.Device.Baud
	}

	durations := []struct {
		section, option, value string
		dst                    *time.Duration
	}{
		{"device", "ack_timeout", y.Device.AckTimeout, &p.Device.AckTimeout},
		{"device", "settle_time", y.Device.SettleTime, &p.Device.SettleTime},
		{"timing", "sleep_slice", y.Timing.SleepSlice, &p.Timing.SleepSlice},
		{"timing", "spin_window", y.Timing.SpinWindow, &p.Timing.SpinWindow},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.value) == "" {
			continue
		}
		v, err := ParseDuration(d.value)
		if err != nil || v < 0 {
			return nil, ErrInvalidValue(d.section, d.option, d.value, "non-negative duration")
		}
		*d.dst = v
	}

	for i, ph := range y.Phases {
		section := "phases[" + strconv.Itoa(i) + "]"
		if ph.Duration == "" {
			return nil, ErrMissingOption(section, "duration")
		}
		if ph.Side == "" {
			return nil, ErrMissingOption(section, "side")
		}
		spec, err := buildPhase(section, strings.TrimSpace(ph.Name), ph.Duration, ph.Side)
		if err != nil {
			return nil, err
		}
		p.Phases = append(p.Phases, spec)
	}
	return p, nil
}
