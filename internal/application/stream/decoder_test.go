package stream

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"testing/iotest"

	"landing-ai-api/pkg/errors"
)

const completeFrame = "data: {\"type\":\"complete\",\"message\":\"done\",\"media\":[{\"id\":42,\"url\":\"https://cdn/42.png\"}]}\n\n"

func TestFeedSplitFrameMatchesUnsplit(t *testing.T) {
	whole := NewDecoder().Feed([]byte(completeFrame))
	if len(whole) != 1 {
		t.Fatalf("unsplit: got %d events want 1", len(whole))
	}

	for i := 1; i < len(completeFrame); i++ {
		for j := i; j < len(completeFrame); j++ {
			d := NewDecoder()
			var got []Event
			got = append(got, d.Feed([]byte(completeFrame[:i]))...)
			got = append(got, d.Feed([]byte(completeFrame[i:j]))...)
			got = append(got, d.Feed([]byte(completeFrame[j:]))...)
			if !reflect.DeepEqual(got, whole) {
				t.Fatalf("split at %d,%d: got %+v want %+v", i, j, got, whole)
			}
			if d.Pending() != 0 {
				t.Fatalf("split at %d,%d: %d bytes left in buffer", i, j, d.Pending())
			}
		}
	}
}

func TestFeedAcceptsCRLFFrames(t *testing.T) {
	crlfFrame := strings.ReplaceAll(completeFrame, "\n", "\r\n")
	input := "data: {\"type\":\"progress\",\"message\":\"1/2\"}\r\n\r\n" + crlfFrame
	whole := NewDecoder().Feed([]byte(input))
	if len(whole) != 2 || whole[0].Type != EventProgress || whole[1].Type != EventComplete {
		t.Fatalf("unsplit: got %+v", whole)
	}

	for i := 1; i < len(input); i++ {
		d := NewDecoder()
		var got []Event
		got = append(got, d.Feed([]byte(input[:i]))...)
		got = append(got, d.Feed([]byte(input[i:]))...)
		if !reflect.DeepEqual(got, whole) {
			t.Fatalf("split at %d: got %+v want %+v", i, got, whole)
		}
		if d.Pending() != 0 || d.Malformed() != 0 {
			t.Fatalf("split at %d: pending=%d malformed=%d", i, d.Pending(), d.Malformed())
		}
	}
}

func TestFeedSkipsMalformedFrames(t *testing.T) {
	input := "data: {\"type\":\"progress\",\"message\":\"1/3\"}\n\n" +
		"data: {\"type\":\"progr\n\n" +
		"data: {\"type\":\"surprise\"}\n\n" +
		"garbage line\n\n" +
		": keep-alive\n\n" +
		completeFrame

	d := NewDecoder()
	events := d.Feed([]byte(input))
	if len(events) != 2 {
		t.Fatalf("events: got %d want 2 (%+v)", len(events), events)
	}
	if events[0].Type != EventProgress || events[1].Type != EventComplete {
		t.Fatalf("types: got %s,%s", events[0].Type, events[1].Type)
	}
	if d.Malformed() != 3 {
		t.Fatalf("malformed: got %d want 3", d.Malformed())
	}
}

func TestFeedBuffersPartialTail(t *testing.T) {
	d := NewDecoder()
	if ev := d.Feed([]byte("data: {\"type\":\"progress\"}\n")); len(ev) != 0 {
		t.Fatalf("got %d events before delimiter", len(ev))
	}
	if d.Pending() == 0 {
		t.Fatalf("partial frame was not buffered")
	}
	if ev := d.Feed([]byte("\n")); len(ev) != 1 {
		t.Fatalf("got %d events after delimiter want 1", len(ev))
	}
}

func TestConsumeReturnsCompleteEvent(t *testing.T) {
	input := "data: {\"type\":\"progress\",\"message\":\"rendering\"}\n\n" + completeFrame
	var progress []string

	// one byte per read exercises every split point through Consume
	r := iotest.OneByteReader(strings.NewReader(input))
	ev, err := Consume(context.Background(), r, func(e Event) { progress = append(progress, e.Message) })
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(ev.Media) != 1 || ev.Media[0].ID != 42 {
		t.Fatalf("media: got %+v", ev.Media)
	}
	if !reflect.DeepEqual(progress, []string{"rendering"}) {
		t.Fatalf("progress: got %v", progress)
	}
}

func TestConsumeWithoutCompleteFails(t *testing.T) {
	input := "data: {\"type\":\"progress\",\"message\":\"1/2\"}\n\ndata: {\"type\":\"comp"
	_, err := Consume(context.Background(), strings.NewReader(input), nil)
	if !errors.HasCode(err, errors.CodeStreamNoComplete) {
		t.Fatalf("got %v want %s", err, errors.CodeStreamNoComplete)
	}
}

func TestConsumeSurfacesErrorFrame(t *testing.T) {
	input := "data: {\"type\":\"error\",\"error\":\"quota exhausted\"}\n\n" + completeFrame
	_, err := Consume(context.Background(), strings.NewReader(input), nil)
	appErr := errors.AsAppError(err)
	if appErr.Code != errors.CodeStreamError || appErr.Message != "quota exhausted" {
		t.Fatalf("got %v", err)
	}
}

func TestConsumeReadError(t *testing.T) {
	_, err := Consume(context.Background(), iotest.ErrReader(iotest.ErrTimeout), nil)
	if !errors.HasCode(err, errors.CodeStreamNoComplete) {
		t.Fatalf("got %v", err)
	}
}

func TestEncodeRoundTripsThroughDecoder(t *testing.T) {
	frame, err := Encode(Event{Type: EventProgress, Message: "wave 1"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.HasPrefix(string(frame), FrameMarker) {
		t.Fatalf("frame missing marker: %q", frame)
	}
	events := NewDecoder().Feed(frame)
	if len(events) != 1 || events[0].Message != "wave 1" {
		t.Fatalf("got %+v", events)
	}
	if _, err := Encode(Event{Type: "bogus"}); err == nil {
		t.Fatalf("Encode accepted unknown type")
	}
}
