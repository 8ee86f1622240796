package cookie

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	for _, tt := range []struct {
		name   string
		header string
		want   Jar
	}{
		{
			name:   "empty header",
			header: "",
			want:   Jar{},
		},
		{
			name:   "single cookie",
			header: "NDX=true",
			want:   Jar{"NDX": "true"},
		},
		{
			name:   "several cookies",
			header: "session=abc; NDX=true; x=y",
			want:   Jar{"session": "abc", "NDX": "true", "x": "y"},
		},
		{
			name:   "malformed segments are skipped",
			header: "invalid;;;NDX=true",
			want:   Jar{"NDX": "true"},
		},
		{
			name:   "value keeps later equals signs",
			header: "token=a=b==; NDX=true",
			want:   Jar{"token": "a=b==", "NDX": "true"},
		},
		{
			name:   "whitespace is trimmed",
			header: "  NDX  =  true  ;other= 1",
			want:   Jar{"NDX": "true", "other": "1"},
		},
		{
			name:   "empty name is skipped",
			header: "=orphan; NDX=true",
			want:   Jar{"NDX": "true"},
		},
		{
			name:   "empty value is kept",
			header: "NDX=",
			want:   Jar{"NDX": ""},
		},
		{
			name:   "first occurrence wins",
			header: "NDX=true; NDX=false",
			want:   Jar{"NDX": "true"},
		},
		{
			name:   "names are case sensitive",
			header: "ndx=true; NDX=false",
			want:   Jar{"ndx": "true", "NDX": "false"},
		},
		{
			name:   "only separators",
			header: ";;; ; ;",
			want:   Jar{},
		},
		{
			name:   "trailing separator",
			header: "NDX=true;",
			want:   Jar{"NDX": "true"},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.header))
		})
	}
}

func TestParse_NeverPanics(t *testing.T) {
	headers := []string{
		"=", "==", ";=;", "\x00=\x00", "a=\xff\xfe", "NDX", " = ; = ",
		"NDX=true\r\nX-Injected: 1", string(make([]byte, 4096)),
	}
	for _, h := range headers {
		assert.NotPanics(t, func() { Parse(h) }, "header %q", h)
	}
}

func TestJar_Get(t *testing.T) {
	jar := Parse("NDX=true")

	v, ok := jar.Get("NDX")
	assert.True(t, ok)
	assert.Equal(t, "true", v)

	_, ok = jar.Get("missing")
	assert.False(t, ok)
}
