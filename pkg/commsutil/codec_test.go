package commsutil

import (
	"errors"
	"testing"
)

func TestEncodePayload(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		want    string
		wantErr bool
	}{
		{
			name:  "call envelope shape",
			input: map[string]interface{}{"request_id": "abc", "mode": "sync"},
			want:  `{"mode":"sync","request_id":"abc"}`,
		},
		{
			name:  "params",
			input: []string{"AQID", "BAUG"},
			want:  `["AQID","BAUG"]`,
		},
		{
			name:  "nil",
			input: nil,
			want:  "null",
		},
		{
			name:    "channel is not serializable",
			input:   make(chan int),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodePayload(tt.input)

			if tt.wantErr {
				if err == nil {
					t.Fatal("commsutil:codec_test - expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("commsutil:codec_test - unexpected error: %v", err)
			}
			if got := string(data); got != tt.want {
				t.Errorf("commsutil:codec_test - EncodePayload() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
		anyErr  bool
	}{
		{name: "object", data: `{"code":200,"message":"ok"}`},
		{name: "surrounding whitespace", data: " {\"code\":200}\n"},
		{name: "empty", data: "", wantErr: ErrEmptyPayload},
		{name: "blank", data: "  \n", wantErr: ErrEmptyPayload},
		{name: "invalid json", data: `{invalid}`, anyErr: true},
		{name: "trailing document", data: `{"code":200}{"code":500}`, anyErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var target map[string]interface{}
			err := DecodePayload([]byte(tt.data), &target)

			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("commsutil:codec_test - expected %v, got %v", tt.wantErr, err)
				}
			case tt.anyErr:
				if err == nil {
					t.Fatal("commsutil:codec_test - expected error but got nil")
				}
			default:
				if err != nil {
					t.Fatalf("commsutil:codec_test - unexpected error: %v", err)
				}
				if _, ok := target["code"]; !ok {
					t.Errorf("commsutil:codec_test - decoded %v lacks code", target)
				}
			}
		})
	}
}
