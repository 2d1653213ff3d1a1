package outputbuffer

import "testing"

func TestAppend_NextOffsetAdvancesByAppendedLength(t *testing.T) {
	b := New(1024)
	next := b.Append([]byte("hello"), false)
	if next != 5 {
		t.Fatalf("expected nextOffset 5, got %d", next)
	}
	next = b.Append([]byte(" world"), false)
	if next != 11 {
		t.Fatalf("expected nextOffset 11, got %d", next)
	}
}

func TestRead_FromWithinWindow(t *testing.T) {
	b := New(1024)
	b.Append([]byte("hello"), false)
	b.Append([]byte(" world"), false)

	snap := b.Read(5)
	if string(snap.Text) != " world" {
		t.Errorf("got %q", snap.Text)
	}
	if snap.TruncatedStart {
		t.Errorf("expected no truncation")
	}
	if snap.NextOffset != 11 {
		t.Errorf("expected nextOffset 11, got %d", snap.NextOffset)
	}
}

func TestRead_PastWindowStart_ReportsTruncatedStart(t *testing.T) {
	b := New(5)
	b.Append([]byte("abcde"), false) // fills exactly; not truncated
	b.Append([]byte("f"), false)     // forces drop of 1 byte from head

	snap := b.Read(0)
	if !snap.TruncatedStart {
		t.Errorf("expected truncatedStart since offset 0 fell out of window")
	}
	if string(snap.Text) != "bcdef" {
		t.Errorf("got %q", snap.Text)
	}
}

func TestTailBytes(t *testing.T) {
	b := New(1024)
	b.Append([]byte("0123456789"), false)

	snap := b.TailBytes(3)
	if string(snap.Text) != "789" {
		t.Errorf("got %q", snap.Text)
	}

	snap = b.TailBytes(100)
	if string(snap.Text) != "0123456789" {
		t.Errorf("tail larger than stored should return everything, got %q", snap.Text)
	}
}

func TestTruncation_ExactCapacity_NotTruncated(t *testing.T) {
	b := New(10)
	b.Append([]byte("0123456789"), false) // exactly MAX_TOTAL_BYTES
	snap := b.Read(0)
	if snap.Truncated {
		t.Errorf("exactly-at-capacity buffer must not be marked truncated")
	}
}

func TestTruncation_OneByteOver_Truncated(t *testing.T) {
	b := New(10)
	b.Append([]byte("0123456789"), false)
	b.Append([]byte("X"), false) // one more byte
	snap := b.Read(0)
	if !snap.Truncated {
		t.Errorf("one byte over capacity must mark truncated")
	}
	if len(snap.Text) > 10 {
		t.Errorf("retained text must not exceed capacity, got %d bytes", len(snap.Text))
	}
}

func TestSegments_TrackIsErrorAcrossStreams(t *testing.T) {
	b := New(1024)
	b.Append([]byte("out1"), false)
	b.Append([]byte("err1"), true)
	b.Append([]byte("out2"), false)

	snap := b.Read(0)
	if len(snap.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(snap.Segments))
	}
	if snap.Segments[0].IsError || !snap.Segments[1].IsError || snap.Segments[2].IsError {
		t.Errorf("segment isError flags do not match append order: %+v", snap.Segments)
	}
	combined := string(snap.Text)
	if combined != "out1err1out2" {
		t.Errorf("expected byte-accurate combined order, got %q", combined)
	}
}

func TestEmptyAppend_DoesNotAdvanceOffset(t *testing.T) {
	b := New(1024)
	b.Append([]byte("x"), false)
	before := b.NextOffset()
	b.Append(nil, false)
	after := b.NextOffset()
	if before != after {
		t.Errorf("empty append must not advance nextOffset: before=%d after=%d", before, after)
	}
}

func TestPhase_DefaultsToLiveAndIsSettable(t *testing.T) {
	b := New(1024)
	if b.Phase() != PhaseLive {
		t.Errorf("expected default phase live, got %s", b.Phase())
	}
	b.SetPhase(PhaseFiltering)
	if b.Phase() != PhaseFiltering {
		t.Errorf("expected phase filtering, got %s", b.Phase())
	}
}
