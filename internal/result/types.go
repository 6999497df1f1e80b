package result

import (
	"time"

	"github.com/signalnine/moahdl/internal/hdl"
)

// Summary is the outcome of one task trial.
type Summary struct {
	Task           string               `json:"task"`
	Trial          int                  `json:"trial"`
	Dialect        hdl.Dialect          `json:"dialect"`
	Pass           bool                 `json:"pass"`
	Score          float64              `json:"score"`
	Classification hdl.Classification   `json:"classification"`
	Detail         string               `json:"detail,omitempty"`
	LayersConsumed int                  `json:"layers_consumed"`
	RefineAttempts int                  `json:"refine_attempts"`
	EarlyStopped   bool                 `json:"early_stopped"`
	Prescreened    bool                 `json:"prescreened,omitempty"`
	FinalPath      hdl.Path             `json:"final_path,omitempty"`
	FinalModel     string               `json:"final_model,omitempty"`
	FinalLayer     int                  `json:"final_layer"`
	Candidates     int                  `json:"candidates"`
	Usage          map[string]hdl.Usage `json:"usage,omitempty"`
	DurationMS     int64                `json:"duration_ms"`
	Error          string               `json:"error,omitempty"`
}

// Failed reports whether the pipeline itself broke, as opposed to producing
// a design that does not pass.
func (s Summary) Failed() bool { return s.Error != "" }

// BackendInfo identifies the endpoint behind a backend name for pricing.
type BackendInfo struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// RunMeta describes a run: its ID and the configuration it ran with.
type RunMeta struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Started     time.Time              `json:"started"`
	Finished    time.Time              `json:"finished"`
	Dialect     hdl.Dialect            `json:"dialect"`
	Mode        string                 `json:"mode"`
	Layers      int                    `json:"layers"`
	NSelect     int                    `json:"n_select"`
	NoCache     bool                   `json:"no_cache"`
	EarlyStop   bool                   `json:"early_stop"`
	SelfRefine  bool                   `json:"self_refine"`
	MaxRefine   int                    `json:"max_refine"`
	Prescreen   bool                   `json:"prescreen,omitempty"`
	CPPRepair   int                    `json:"cpp_repair,omitempty"`
	Temperature string                 `json:"temperature"`
	Trials      int                    `json:"trials"`
	Tasks       int                    `json:"tasks"`
	Backends    map[string]BackendInfo `json:"backends"`
}
