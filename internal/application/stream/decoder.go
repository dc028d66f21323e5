// Package stream 解码长任务的分帧进度流
//
// 帧格式：以 "data: " 开头，负载为 JSON，帧之间以空行分隔。
// 行尾接受 "\n" 与 "\r\n"。
// 负载的 type 取值 progress / complete / error。
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"landing-ai-api/internal/domain/entity"
	"landing-ai-api/pkg/errors"
	"landing-ai-api/pkg/logger"
	"landing-ai-api/pkg/metrics"
)

const (
	// FrameMarker 帧前缀
	FrameMarker = "data: "

	readChunkSize = 4096
)

var (
	frameDelimiter = []byte("\n\n")
	crlf           = []byte("\r\n")
	lf             = []byte("\n")
	dataPrefix     = []byte("data:")
)

// EventType 事件类型
type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Media 流中携带的产物
type Media struct {
	ID        int64  `json:"id"`
	URL       string `json:"url"`
	MobileID  int64  `json:"mobile_id,omitempty"`
	MobileURL string `json:"mobile_url,omitempty"`
}

// Ref 转为桌面端产物引用
func (m Media) Ref() *entity.ContentRef {
	return &entity.ContentRef{ArtifactID: m.ID, URL: m.URL}
}

// MobileRef 转为移动端产物引用，不存在时返回 nil
func (m Media) MobileRef() *entity.ContentRef {
	if m.MobileID <= 0 || m.MobileURL == "" {
		return nil
	}
	return &entity.ContentRef{ArtifactID: m.MobileID, URL: m.MobileURL}
}

// Event 解码后的事件
type Event struct {
	Type     EventType        `json:"type"`
	Message  string           `json:"message,omitempty"`
	Progress *entity.Progress `json:"progress,omitempty"`
	Media    []Media          `json:"media,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// validate 只接受三种已知类型，未知形状按坏帧处理
func (e *Event) validate() error {
	switch e.Type {
	case EventProgress, EventComplete:
		for _, m := range e.Media {
			if m.ID <= 0 || m.URL == "" {
				return fmt.Errorf("media item missing id or url")
			}
		}
		return nil
	case EventError:
		if e.Error == "" && e.Message == "" {
			return fmt.Errorf("error frame without message")
		}
		return nil
	default:
		return fmt.Errorf("unknown frame type %q", e.Type)
	}
}

// ErrorText 返回错误帧的错误文本
func (e *Event) ErrorText() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

// Decoder 增量帧解码器，缓存跨读取边界的不完整尾部
type Decoder struct {
	buf       []byte
	malformed int
}

// NewDecoder 创建解码器
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed 喂入一段字节，返回其中所有完整帧解出的事件。坏帧被跳过。
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)
	// 块尾孤立的 \r 留在缓存里，等下一块补上 \n
	if bytes.Contains(d.buf, crlf) {
		d.buf = bytes.ReplaceAll(d.buf, crlf, lf)
	}

	var events []Event
	for {
		idx := bytes.Index(d.buf, frameDelimiter)
		if idx < 0 {
			break
		}
		frame := d.buf[:idx]
		d.buf = d.buf[idx+len(frameDelimiter):]

		ev, ok, err := parseFrame(frame)
		if err != nil {
			d.malformed++
			metrics.StreamFramesTotal.WithLabelValues("malformed").Inc()
			continue
		}
		if !ok {
			continue
		}
		metrics.StreamFramesTotal.WithLabelValues(string(ev.Type)).Inc()
		events = append(events, ev)
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return events
}

// Pending 返回尚未成帧的缓存字节数
func (d *Decoder) Pending() int {
	return len(bytes.TrimSpace(d.buf))
}

// Malformed 返回已跳过的坏帧数
func (d *Decoder) Malformed() int {
	return d.malformed
}

// parseFrame 解析单帧。ok=false 表示心跳/注释帧，不算错误。
func parseFrame(frame []byte) (Event, bool, error) {
	var payload []byte
	hasData := false
	for _, line := range bytes.Split(frame, lf) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if !bytes.HasPrefix(line, dataPrefix) {
			return Event{}, false, fmt.Errorf("line without data marker")
		}
		data := bytes.TrimPrefix(bytes.TrimPrefix(line, dataPrefix), []byte(" "))
		if hasData {
			payload = append(payload, '\n')
		}
		payload = append(payload, data...)
		hasData = true
	}
	if !hasData {
		return Event{}, false, nil
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, false, err
	}
	if err := ev.validate(); err != nil {
		return Event{}, false, err
	}
	return ev, true, nil
}

// Consume 读取整条流直到 complete 帧。
// progress 帧交给 onProgress；error 帧立即返回错误；
// 流结束仍未见 complete 帧返回 ErrStreamNoComplete。
func Consume(ctx context.Context, r io.Reader, onProgress func(Event)) (*Event, error) {
	dec := NewDecoder()
	buf := make([]byte, readChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				switch ev.Type {
				case EventProgress:
					if onProgress != nil {
						onProgress(ev)
					}
				case EventError:
					return nil, errors.New(errors.CodeStreamError, ev.ErrorText())
				case EventComplete:
					complete := ev
					return &complete, nil
				}
			}
		}

		if readErr == io.EOF {
			if dec.Pending() > 0 {
				logger.FromContext(ctx).Debug("discarding incomplete trailing frame", "bytes", dec.Pending())
			}
			if m := dec.Malformed(); m > 0 {
				logger.FromContext(ctx).Warn("stream contained malformed frames", "count", m)
			}
			return nil, errors.ErrStreamNoComplete
		}
		if readErr != nil {
			return nil, errors.Wrap(readErr, errors.CodeStreamNoComplete, "stream interrupted before completion")
		}
	}
}

// Encode 将事件编码为一帧，供服务端进度流使用
func Encode(ev Event) ([]byte, error) {
	if err := ev.validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(FrameMarker)+len(payload)+len(frameDelimiter))
	out = append(out, FrameMarker...)
	out = append(out, payload...)
	out = append(out, frameDelimiter...)
	return out, nil
}
