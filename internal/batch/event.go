package batch

import (
	jsoniter "github.com/json-iterator/go"
)

type EventType string

const (
	EventStart          EventType = "start"
	EventProgress       EventType = "progress"
	EventSourceError    EventType = "source_error"
	EventSourceComplete EventType = "source_complete"
	EventComplete       EventType = "complete"
)

// source_complete 的状态取值
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// 文档注释：批处理进度事件
// 背景：同一次运行内严格有序；TotalProgress 单调不减。不同类型只序列化各自的字段，见 MarshalJSON。
type Event struct {
	Type EventType

	TotalFiles int
	TotalIPs   int

	FileIdx       int
	CurrentFile   string
	FileProgress  int
	FileTotal     int
	TotalProgress int
	Percentage    float64
	ETASeconds    int64

	Filename string
	Status   string
	Message  string
}

type startWire struct {
	Type       EventType `json:"type"`
	TotalFiles int       `json:"total_files"`
	TotalIPs   int       `json:"total_ips"`
}

type progressWire struct {
	Type          EventType `json:"type"`
	FileIdx       int       `json:"file_idx"`
	TotalFiles    int       `json:"total_files"`
	CurrentFile   string    `json:"current_file"`
	FileProgress  int       `json:"file_progress"`
	FileTotal     int       `json:"file_total"`
	TotalProgress int       `json:"total_progress"`
	TotalIPs      int       `json:"total_ips"`
	Percentage    float64   `json:"percentage"`
	ETASeconds    int64     `json:"eta_seconds"`
}

type sourceWire struct {
	Type     EventType `json:"type"`
	Filename string    `json:"filename"`
	Status   string    `json:"status,omitempty"`
	Message  string    `json:"message"`
}

type completeWire struct {
	Type    EventType `json:"type"`
	Message string    `json:"message,omitempty"`
}

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventStart:
		return wire.Marshal(startWire{Type: e.Type, TotalFiles: e.TotalFiles, TotalIPs: e.TotalIPs})
	case EventProgress:
		return wire.Marshal(progressWire{
			Type:          e.Type,
			FileIdx:       e.FileIdx,
			TotalFiles:    e.TotalFiles,
			CurrentFile:   e.CurrentFile,
			FileProgress:  e.FileProgress,
			FileTotal:     e.FileTotal,
			TotalProgress: e.TotalProgress,
			TotalIPs:      e.TotalIPs,
			Percentage:    e.Percentage,
			ETASeconds:    e.ETASeconds,
		})
	case EventSourceError, EventSourceComplete:
		return wire.Marshal(sourceWire{Type: e.Type, Filename: e.Filename, Status: e.Status, Message: e.Message})
	default:
		return wire.Marshal(completeWire{Type: e.Type, Message: e.Message})
	}
}

// UnmarshalJSON：任务快照回读
func (e *Event) UnmarshalJSON(b []byte) error {
	var w struct {
		Type          EventType `json:"type"`
		TotalFiles    int       `json:"total_files"`
		TotalIPs      int       `json:"total_ips"`
		FileIdx       int       `json:"file_idx"`
		CurrentFile   string    `json:"current_file"`
		FileProgress  int       `json:"file_progress"`
		FileTotal     int       `json:"file_total"`
		TotalProgress int       `json:"total_progress"`
		Percentage    float64   `json:"percentage"`
		ETASeconds    int64     `json:"eta_seconds"`
		Filename      string    `json:"filename"`
		Status        string    `json:"status"`
		Message       string    `json:"message"`
	}
	if err := wire.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = Event{
		Type:          w.Type,
		TotalFiles:    w.TotalFiles,
		TotalIPs:      w.TotalIPs,
		FileIdx:       w.FileIdx,
		CurrentFile:   w.CurrentFile,
		FileProgress:  w.FileProgress,
		FileTotal:     w.FileTotal,
		TotalProgress: w.TotalProgress,
		Percentage:    w.Percentage,
		ETASeconds:    w.ETASeconds,
		Filename:      w.Filename,
		Status:        w.Status,
		Message:       w.Message,
	}
	return nil
}
