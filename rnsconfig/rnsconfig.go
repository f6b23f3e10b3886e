// Package rnsconfig holds the tunable protocol parameters referenced
// throughout link, channel and resource: timeouts, retry budgets and
// window sizes. Building a configuration-file-parsing subsystem is outside
// this module's scope (spec.md §1 lists it as a deliberate external
// collaborator), but the tunables themselves still need a home, and a
// small YAML-loadable struct is the idiomatic, low-ceremony way the
// surrounding example pack (postalsys/muti-metroo, sage-x) does this.
package rnsconfig

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config collects every tunable the spec leaves as "caller-specified" or
// implementation-defined.
type Config struct {
	// Link.
	KeepaliveTimeout  time.Duration `yaml:"keepalive_timeout"`
	LinkMaxTries      int           `yaml:"link_max_tries"`
	ReceiptTimeoutMin time.Duration `yaml:"receipt_timeout_min"`
	ReceiptTimeoutMax time.Duration `yaml:"receipt_timeout_max"`

	// Channel.
	ChannelMaxTries  int `yaml:"channel_max_tries"`
	ChannelRXWindow  int `yaml:"channel_rx_window"`

	// Resource.
	ResourceTimeout       time.Duration `yaml:"resource_timeout"`
	ResourceSegmentMaxTry int           `yaml:"resource_segment_max_try"`

	// Identity timing pad (spec.md §4.1, §9).
	TimingPadMin time.Duration `yaml:"timing_pad_min"`
	TimingPadMax time.Duration `yaml:"timing_pad_max"`
}

// Default returns the parameter set implied directly by spec.md: 5 max
// tries for both Link packet receipts and Channel envelopes, a fixed RX
// window of 1 (spec.md §3 Channel envelope invariant), a 120s Resource
// timeout (§4.7), and the [2ms, 500ms] timing-pad bounds from §4.1.
func Default() Config {
	return Config{
		KeepaliveTimeout:      60 * time.Second,
		LinkMaxTries:          5,
		ReceiptTimeoutMin:     300 * time.Millisecond,
		ReceiptTimeoutMax:     8 * time.Second,
		ChannelMaxTries:       5,
		ChannelRXWindow:       1,
		ResourceTimeout:       120 * time.Second,
		ResourceSegmentMaxTry: 5,
		TimingPadMin:          2 * time.Millisecond,
		TimingPadMax:          500 * time.Millisecond,
	}
}

// Load reads a YAML configuration file and overlays it onto Default().
// Any field absent from the file keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
