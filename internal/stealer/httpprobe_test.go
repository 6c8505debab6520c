package stealer

import "testing"

func Test_ClassifyHTTP(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name   string
		buffer []byte
		want   httpVersion
	}{
		{
			name:   "complete GET request",
			buffer: []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"),
			want:   httpV1,
		},
		{
			name:   "truncated request line only",
			buffer: []byte("GET / HTTP/1.1\r\n"),
			want:   httpV1,
		},
		{
			name:   "h2 preface",
			buffer: []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"),
			want:   httpV2,
		},
		{
			name:   "partial h2 preface",
			buffer: []byte("PRI * HTTP/2"),
			want:   httpV2,
		},
		{
			name:   "binary garbage",
			buffer: []byte{0x16, 0x03, 0x01, 0x00, 0x50}, // TLS client hello
			want:   httpNotHTTP,
		},
		{
			name:   "empty buffer",
			buffer: nil,
			want:   httpNotHTTP,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := classifyHTTP(tc.buffer); got != tc.want {
				t.Fatalf("classifyHTTP(%q) = %v, want %v", tc.buffer, got, tc.want)
			}
		})
	}
}
