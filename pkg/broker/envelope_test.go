package broker

import (
	"errors"
	"testing"
)

const envelopeTestPrefix = "broker:envelope_test"

func TestDecodeResult(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantCode int
		wantText string
		wantErr  bool
	}{
		{name: "string message", data: `{"code":200,"message":"42"}`, wantCode: 200, wantText: "42"},
		{name: "object message", data: `{"code":200,"message":{"res":1}}`, wantCode: 200, wantText: `{"res":1}`},
		{name: "null message", data: `{"code":200,"message":null}`, wantCode: 200, wantText: "null"},
		{name: "worker failure", data: `{"code":503,"message":"busy"}`, wantCode: 503, wantText: "busy"},
		{name: "echoed request id", data: `{"code":200,"message":"ok","request_id":"abc"}`, wantCode: 200, wantText: "ok"},
		{name: "missing code", data: `{"message":"ok"}`, wantErr: true},
		{name: "missing message", data: `{"code":200}`, wantErr: true},
		{name: "code out of range", data: `{"code":42,"message":"ok"}`, wantErr: true},
		{name: "informational code", data: `{"code":102,"message":"processing"}`, wantErr: true},
		{name: "code not a number", data: `{"code":"200","message":"ok"}`, wantErr: true},
		{name: "not json", data: `result: ok`, wantErr: true},
		{name: "empty", data: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeResult([]byte(tt.data))
			if tt.wantErr {
				if !errors.Is(err, ErrProtocol) {
					t.Fatalf("%s - expected ErrProtocol, got %v", envelopeTestPrefix, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("%s - unexpected error: %v", envelopeTestPrefix, err)
			}
			if got.Code != tt.wantCode {
				t.Errorf("%s - Code = %d, want %d", envelopeTestPrefix, got.Code, tt.wantCode)
			}
			if got.Text() != tt.wantText {
				t.Errorf("%s - Text() = %q, want %q", envelopeTestPrefix, got.Text(), tt.wantText)
			}
		})
	}
}

func TestResultEnvelope_OK(t *testing.T) {
	if !(&ResultEnvelope{Code: 200}).OK() {
		t.Errorf("%s - 200 must be OK", envelopeTestPrefix)
	}
	if (&ResultEnvelope{Code: 201}).OK() {
		t.Errorf("%s - only 200 is OK", envelopeTestPrefix)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeSync, false},
		{"sync", ModeSync, false},
		{"async", ModeAsync, false},
		{"SYNC", "", true},
		{"batch", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s - ParseMode(%q) error = %v, wantErr %v", envelopeTestPrefix, tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("%s - ParseMode(%q) = %q, want %q", envelopeTestPrefix, tt.in, got, tt.want)
		}
	}
}
