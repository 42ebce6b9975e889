package utils

import (
	"testing"

	"eplustv/work/config"
)

func TestObfuscateURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://cdn.example.com/live/event/playlist.m3u8?token=secret", "https://cdn.example.com/***?***"},
		{"https://cdn.example.com/seg.ts", "https://cdn.example.com/***"},
		{"https://cdn.example.com", "https://cdn.example.com"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ObfuscateURL(tc.in); got != tc.want {
			t.Errorf("ObfuscateURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLogURLHonorsConfig(t *testing.T) {
	url := "https://cdn.example.com/live?token=secret"

	if got := LogURL(&config.Config{}, url); got != url {
		t.Errorf("obfuscation off: got %q", got)
	}
	if got := LogURL(&config.Config{ObfuscateUrls: true}, url); got == url {
		t.Error("obfuscation on: token leaked")
	}
}

func TestMergeHeaders(t *testing.T) {
	base := map[string]string{"User-Agent": "default", "Accept": "*/*"}
	extra := map[string]string{"user-agent": "override", "Cookie": "a=1"}

	merged := MergeHeaders(base, extra)
	if merged["user-agent"] != "override" {
		t.Errorf("caller value lost: %v", merged)
	}
	if _, ok := merged["User-Agent"]; ok {
		t.Error("case-variant duplicate kept")
	}
	if merged["Accept"] != "*/*" || merged["Cookie"] != "a=1" {
		t.Errorf("merge dropped values: %v", merged)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{256 * 1024 * 1024, "256.0 MiB"},
	}
	for _, tc := range cases {
		if got := FormatBytes(tc.in); got != tc.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
