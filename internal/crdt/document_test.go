package crdt

import (
	"bytes"
	"testing"
)

func TestApplyDeduplicatesFrames(testContext *testing.T) {
	document := NewDocument()

	applied, err := document.Apply([]byte("frame-a"))
	if err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}
	if !applied {
		testContext.Fatalf("expected first apply to be new")
	}

	applied, err = document.Apply([]byte("frame-a"))
	if err != nil {
		testContext.Fatalf("re-apply failed: %v", err)
	}
	if applied {
		testContext.Fatalf("expected duplicate frame to be a no-op")
	}
	if document.Len() != 1 {
		testContext.Fatalf("expected single frame, got %d", document.Len())
	}
}

func TestApplyRejectsEmptyFrame(testContext *testing.T) {
	document := NewDocument()
	if _, err := document.Apply(nil); err == nil {
		testContext.Fatalf("expected empty frame to be rejected")
	}
}

func TestMergeIsCommutative(testContext *testing.T) {
	frames := [][]byte{[]byte("u1"), []byte("u2"), []byte("u3")}

	forward := NewDocument()
	for _, frame := range frames {
		if _, err := forward.Apply(frame); err != nil {
			testContext.Fatalf("apply failed: %v", err)
		}
	}

	reverse := NewDocument()
	for index := len(frames) - 1; index >= 0; index-- {
		if _, err := reverse.Apply(frames[index]); err != nil {
			testContext.Fatalf("apply failed: %v", err)
		}
	}

	if !forward.Equal(reverse) {
		testContext.Fatalf("expected both application orders to converge")
	}
}

func TestSerializeRoundTrip(testContext *testing.T) {
	document := NewDocument()
	frames := [][]byte{[]byte{0x01, 0x02, 0x03}, []byte("second frame"), bytes.Repeat([]byte{0xAB}, 300)}
	for _, frame := range frames {
		if _, err := document.Apply(frame); err != nil {
			testContext.Fatalf("apply failed: %v", err)
		}
	}

	restored, err := LoadDocument(document.Serialize())
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if !document.Equal(restored) {
		testContext.Fatalf("expected round-trip to preserve frame set")
	}
	if restored.Len() != len(frames) {
		testContext.Fatalf("expected %d frames after round trip, got %d", len(frames), restored.Len())
	}
}

func TestLoadDocumentEmptyBlob(testContext *testing.T) {
	document, err := LoadDocument(nil)
	if err != nil {
		testContext.Fatalf("load of empty blob failed: %v", err)
	}
	if document.Len() != 0 {
		testContext.Fatalf("expected empty document")
	}
}

func TestLoadDocumentRejectsTruncatedBlob(testContext *testing.T) {
	document := NewDocument()
	if _, err := document.Apply([]byte("payload")); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}
	blob := document.Serialize()

	if _, err := LoadDocument(blob[:len(blob)-2]); err == nil {
		testContext.Fatalf("expected truncated blob to be rejected")
	}
}
