package output

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/tkjaer/pong/internal/shared"
)

// JSONOutput writes one JSON object per sample to a file or stdout, and a
// summary object when the session completes
type JSONOutput struct {
	mu       sync.Mutex
	file     *os.File
	enc      *json.Encoder
	toStdout bool
	info     shared.OutputInfo
}

type jsonSummary struct {
	Destination string       `json:"destination"`
	IP          string       `json:"ip"`
	Port        int          `json:"port"`
	Summary     shared.Stats `json:"summary"`
}

func NewJSONOutput(filename string) (*JSONOutput, error) {
	if filename == "" {
		// Output to stdout
		return &JSONOutput{
			file:     os.Stdout,
			enc:      json.NewEncoder(os.Stdout),
			toStdout: true,
		}, nil
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	return &JSONOutput{
		file: f,
		enc:  json.NewEncoder(f),
	}, nil
}

func (j *JSONOutput) Start(info shared.OutputInfo) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.info = info
}

func (j *JSONOutput) Sample(sample shared.Sample) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_ = j.enc.Encode(sample)
}

func (j *JSONOutput) Complete(stats shared.Stats) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_ = j.enc.Encode(jsonSummary{
		Destination: j.info.Destination,
		IP:          j.info.IP,
		Port:        j.info.Port,
		Summary:     stats,
	})
}

func (j *JSONOutput) Close() error {
	if j.toStdout {
		return nil
	}
	return j.file.Close()
}
