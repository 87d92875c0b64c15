package signal

import "testing"

func TestIsSupportedReportsMissingBinary(t *testing.T) {
	old := BinaryName
	BinaryName = "definitely-not-a-real-binary-on-this-host"
	defer func() { BinaryName = old }()

	a := New(t.TempDir())
	ok, reason := a.IsSupported()
	if ok {
		t.Fatal("expected unsupported when binary missing from PATH")
	}
	if reason == "" {
		t.Fatal("expected a non-empty unsupported reason")
	}
}

func TestClassifyMediaKindByContentType(t *testing.T) {
	cases := map[string]string{
		"image/jpeg":      "image",
		"video/mp4":       "video",
		"audio/ogg":       "audio",
		"application/pdf": "document",
	}
	for ct, want := range cases {
		if got := string(classifyMediaKind(ct)); got != want {
			t.Fatalf("classifyMediaKind(%q) = %q, want %q", ct, got, want)
		}
	}
}

func TestGroupPrefixRouting(t *testing.T) {
	if !isGroupConversation(groupPrefix + "abc") {
		t.Fatal("expected group prefix to be detected")
	}
	if isGroupConversation("+15551234") {
		t.Fatal("expected direct conversation id to not match group prefix")
	}
}
