package stream

import (
	"testing"
)

func TestFeedSingleRecord(t *testing.T) {
	var d Decoder
	frames := d.Feed([]byte("event: message\ndata: {\"output\":\"Hello\"}\n\n"))

	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Type != FrameContent {
		t.Errorf("expected content frame, got %s", frames[0].Type)
	}
	if frames[0].Text != "Hello" {
		t.Errorf("expected text %q, got %q", "Hello", frames[0].Text)
	}
	if frames[0].Event != "message" {
		t.Errorf("expected event %q, got %q", "message", frames[0].Event)
	}
}

func TestFeedCumulativeSnapshots(t *testing.T) {
	var d Decoder
	chunk := []byte(
		"data: {\"output\":\"Hel\"}\n\n" +
			"data: {\"output\":\"Hello wor\"}\n\n" +
			"data: {\"output\":\"Hello world\"}\n\n" +
			"data: [DONE]\n\n")

	frames := d.Feed(chunk)
	if len(frames) != 4 {
		t.Fatalf("expected 4 frames, got %d", len(frames))
	}

	want := []string{"Hel", "Hello wor", "Hello world"}
	for i, w := range want {
		if frames[i].Type != FrameContent || frames[i].Text != w {
			t.Errorf("frame %d: got (%s, %q), want (content, %q)", i, frames[i].Type, frames[i].Text, w)
		}
	}
	if frames[3].Type != FrameDone {
		t.Errorf("expected final done frame, got %s", frames[3].Type)
	}
	if !d.Done() {
		t.Error("decoder should report done")
	}
}

func TestFeedRecordSplitAcrossCalls(t *testing.T) {
	var d Decoder

	frames := d.Feed([]byte("data: {\"outp"))
	if len(frames) != 0 {
		t.Fatalf("partial record must not emit frames, got %d", len(frames))
	}

	frames = d.Feed([]byte("ut\":\"split\"}\n\n"))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame after completing record, got %d", len(frames))
	}
	if frames[0].Text != "split" {
		t.Errorf("expected text %q, got %q", "split", frames[0].Text)
	}
}

func TestFeedUnparseablePayloadDegradesToText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"not json", "data: just plain words\n\n", "just plain words"},
		{"broken json", "data: {\"output\": \n\n", "{\"output\":"},
		{"json without output key", "data: {\"foo\":\"bar\"}\n\n", "{\"foo\":\"bar\"}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Decoder
			frames := d.Feed([]byte(tt.in))
			if len(frames) != 1 {
				t.Fatalf("expected 1 frame, got %d", len(frames))
			}
			if frames[0].Type != FrameContent {
				t.Errorf("expected content frame, got %s", frames[0].Type)
			}
			if frames[0].Text != tt.want {
				t.Errorf("got %q, want %q", frames[0].Text, tt.want)
			}
		})
	}
}

func TestFeedSentinelWithoutDataPrefix(t *testing.T) {
	var d Decoder
	frames := d.Feed([]byte("[DONE]\n\n"))

	if len(frames) != 1 || frames[0].Type != FrameDone {
		t.Fatalf("bare sentinel line must decode as done, got %+v", frames)
	}
	if !d.Done() {
		t.Error("decoder should report done")
	}
}

func TestFeedIgnoresCommentsAndKeepalives(t *testing.T) {
	var d Decoder
	frames := d.Feed([]byte(": keepalive\n\n: another\n\ndata: {\"output\":\"hi\"}\n\n"))

	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Text != "hi" {
		t.Errorf("got %q, want %q", frames[0].Text, "hi")
	}
}

func TestFeedCRLFRecords(t *testing.T) {
	var d Decoder
	frames := d.Feed([]byte("event: message\r\ndata: {\"output\":\"crlf\"}\r\n\r\n"))

	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Text != "crlf" {
		t.Errorf("got %q, want %q", frames[0].Text, "crlf")
	}
}

func TestFeedErrorRecord(t *testing.T) {
	var d Decoder
	frames := d.Feed([]byte("event: error\ndata: {\"error\":\"backend exploded\"}\n\n"))

	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Type != FrameError {
		t.Errorf("expected error frame, got %s", frames[0].Type)
	}
	if frames[0].Text != "backend exploded" {
		t.Errorf("got %q, want %q", frames[0].Text, "backend exploded")
	}
}

func TestFeedSessionIDCarried(t *testing.T) {
	var d Decoder
	frames := d.Feed([]byte("data: {\"output\":\"hi\",\"sessionId\":\"srv-1\"}\n\n"))

	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].SessionID != "srv-1" {
		t.Errorf("got session id %q, want %q", frames[0].SessionID, "srv-1")
	}
}

func TestFeedAfterDoneReturnsNothing(t *testing.T) {
	var d Decoder
	d.Feed([]byte("data: [DONE]\n\n"))

	frames := d.Feed([]byte("data: {\"output\":\"late\"}\n\n"))
	if len(frames) != 0 {
		t.Errorf("frames after sentinel must be dropped, got %d", len(frames))
	}
}

func TestFlushStrandedSentinel(t *testing.T) {
	var d Decoder
	frames := d.Feed([]byte("data: {\"output\":\"hi\"}\n\ndata: [DONE]"))
	if len(frames) != 1 || frames[0].Text != "hi" {
		t.Fatalf("unexpected frames before flush: %+v", frames)
	}
	if d.Done() {
		t.Fatal("sentinel without separator must not be recognized mid-stream")
	}

	frames = d.Flush()
	if len(frames) != 1 || frames[0].Type != FrameDone {
		t.Fatalf("flush must surface the stranded sentinel, got %+v", frames)
	}
	if !d.Done() {
		t.Error("decoder should report done after flush")
	}
}

func TestFlushTrailingContent(t *testing.T) {
	var d Decoder
	d.Feed([]byte("data: {\"output\":\"trailing\"}"))

	frames := d.Flush()
	if len(frames) != 1 || frames[0].Type != FrameContent || frames[0].Text != "trailing" {
		t.Fatalf("flush must parse a trailing content record, got %+v", frames)
	}
	if d.Done() {
		t.Error("a content record must not mark the stream done")
	}
}

func TestFlushEmptyRemainder(t *testing.T) {
	var d Decoder
	d.Feed([]byte("data: {\"output\":\"hi\"}\n\n"))

	if frames := d.Flush(); frames != nil {
		t.Errorf("flush with no remainder must return nothing, got %+v", frames)
	}
}

func TestFeedMultiDataLines(t *testing.T) {
	var d Decoder
	frames := d.Feed([]byte("data: line one\ndata: line two\n\n"))

	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Text != "line one\nline two" {
		t.Errorf("got %q", frames[0].Text)
	}
}
