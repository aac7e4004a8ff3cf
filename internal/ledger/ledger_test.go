package ledger

import (
	"net/http"
	"testing"
	"time"
)

func TestAttemptCountRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 2, 5, 17, 1000} {
		h := http.Header{}
		SetAttemptCount(h, n)
		if got := AttemptCount(h); got != n {
			t.Errorf("AttemptCount() after SetAttemptCount(%d) = %d", n, got)
		}
	}
}

func TestAttemptCountTolerantReads(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{name: "absent", value: "", want: 0},
		{name: "garbage", value: "abc", want: 0},
		{name: "negative", value: "-3", want: 0},
		{name: "padded", value: " 4 ", want: 4},
		{name: "float", value: "1.5", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set(AttemptHeader, tt.value)
			}
			if got := AttemptCount(h); got != tt.want {
				t.Errorf("AttemptCount() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAttemptCountNilHeader(t *testing.T) {
	if got := AttemptCount(nil); got != 0 {
		t.Errorf("AttemptCount(nil) = %d, want 0", got)
	}
	if _, ok := Identifier(nil); ok {
		t.Error("Identifier(nil) reported an identifier")
	}
}

func TestSetAttemptCountOverwrites(t *testing.T) {
	h := http.Header{}
	h.Add(AttemptHeader, "1")
	h.Add(AttemptHeader, "2")
	SetAttemptCount(h, 7)

	if vals := h.Values(AttemptHeader); len(vals) != 1 || vals[0] != "7" {
		t.Errorf("header values = %v, want [7]", vals)
	}
}

func TestEncodeDecode(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "application/octet-stream")
	Encode(h, State{Attempt: 3, Identifier: "8f1c"})

	st := Decode(h)
	if st.Attempt != 3 || st.Identifier != "8f1c" {
		t.Errorf("Decode() = %+v", st)
	}
	if h.Get("Content-Type") != "application/octet-stream" {
		t.Error("Encode() clobbered unrelated headers")
	}

	empty := Decode(http.Header{})
	if empty.Attempt != 0 || empty.Identifier != "" {
		t.Errorf("Decode(empty) = %+v, want zero state", empty)
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		want   time.Duration
		wantOK bool
	}{
		{name: "seconds", value: "120", want: 2 * time.Minute, wantOK: true},
		{name: "zero", value: "0", want: 0, wantOK: true},
		{name: "absent", value: "", wantOK: false},
		{name: "http date", value: "Wed, 21 Oct 2015 07:28:00 GMT", wantOK: false},
		{name: "negative", value: "-1", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set(RetryAfterHeader, tt.value)
			}
			got, ok := RetryAfter(h)
			if ok != tt.wantOK {
				t.Fatalf("RetryAfter() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("RetryAfter() = %v, want %v", got, tt.want)
			}
		})
	}
}
