package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	SubjectWorkerPrefix    = "tts.worker"
	SubjectAnnounce        = "tts.worker.announce"
	SubjectHeartbeatPrefix = "tts.worker.heartbeat"
)

// CommandSubject is where a worker receives commands.
func CommandSubject(workerID string) string {
	return fmt.Sprintf("%s.%s.cmd", SubjectWorkerPrefix, workerID)
}

// EventSubject is where a worker publishes events for commands sent
// without a reply subject.
func EventSubject(workerID string) string {
	return fmt.Sprintf("%s.%s.events", SubjectWorkerPrefix, workerID)
}

func HeartbeatSubject(workerID string) string {
	return fmt.Sprintf("%s.%s", SubjectHeartbeatPrefix, workerID)
}

type CommandType string

const (
	CommandInit   CommandType = "init"
	CommandTTS    CommandType = "tts"
	CommandPush   CommandType = "push"
	CommandEnd    CommandType = "end"
	CommandCancel CommandType = "cancel"
)

// Command is an inbound worker message. Fields are read according to Type.
type Command struct {
	Type       CommandType `json:"type"`
	Model      string      `json:"model,omitempty"`
	UseGPU     bool        `json:"use_gpu,omitempty"`
	RequestID  string      `json:"request_id,omitempty"`
	Text       string      `json:"text,omitempty"`
	Voice      VoiceID     `json:"voice,omitempty"`
	Speed      float64     `json:"speed,omitempty"`
	SampleRate int         `json:"sample_rate,omitempty"`
	IsPreview  bool        `json:"is_preview,omitempty"`
	// Streaming keeps the request open for push commands until end.
	Streaming bool `json:"streaming,omitempty"`
}

// VoiceID accepts both string voice names and numeric speaker ids.
type VoiceID string

func (v *VoiceID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*v = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = VoiceID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("voice must be a string or integer: %w", err)
	}
	*v = VoiceID(strconv.FormatInt(n, 10))
	return nil
}

type Status string

const (
	StatusDevice   Status = "device"
	StatusReady    Status = "ready"
	StatusStream   Status = "stream"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
	StatusAck      Status = "ack"
)

// Voice is a selectable voice of the loaded backend.
type Voice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Chunk is the per-segment payload of a stream event.
type Chunk struct {
	Index    int    `json:"index"`
	Text     string `json:"text"`
	Audio    []byte `json:"audio"`
	Phonemes string `json:"phonemes,omitempty"`
	// Error and ErrorType are set when the segment was replaced by silence.
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

// Event is an outbound worker message. A complete event carries audio as
// null when no segment produced output.
type Event struct {
	Status      Status    `json:"status"`
	WorkerID    string    `json:"worker_id"`
	RequestID   string    `json:"request_id,omitempty"`
	Model       string    `json:"model,omitempty"`
	Device      string    `json:"device,omitempty"`
	Voices      []Voice   `json:"voices,omitempty"`
	Chunk       *Chunk    `json:"chunk,omitempty"`
	Audio       []byte    `json:"audio,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	SampleRate  int       `json:"sample_rate,omitempty"`
	Segments    int       `json:"segments,omitempty"`
	Failed      int       `json:"failed,omitempty"`
	Data        string    `json:"data,omitempty"`
	ErrorType   string    `json:"error_type,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// MarshalJSON always writes audio on complete events.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	if e.Status != StatusComplete {
		return json.Marshal(plain(e))
	}
	return json.Marshal(struct {
		plain
		Audio []byte `json:"audio"`
	}{plain: plain(e), Audio: e.Audio})
}

// Announce advertises a worker and the backend it holds.
type Announce struct {
	WorkerID  string    `json:"worker_id"`
	Model     string    `json:"model,omitempty"`
	Device    string    `json:"device,omitempty"`
	Voices    int       `json:"voices"`
	Busy      bool      `json:"busy"`
	Timestamp time.Time `json:"timestamp"`
}

type Heartbeat struct {
	WorkerID  string    `json:"worker_id"`
	Busy      bool      `json:"busy"`
	Timestamp time.Time `json:"timestamp"`
}
