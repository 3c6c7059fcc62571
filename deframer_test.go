package tlsio

import "testing"

func record(ct contentType, body []byte) []byte {
	out := []byte{byte(ct), 3, 3, byte(len(body) >> 8), byte(len(body))}
	return append(out, body...)
}

func TestDeframerViewSplitsMultipleRecords(t *testing.T) {
	buf := append(record(contentTypeHandshake, []byte("abc")), record(contentTypeApplicationData, []byte("xy"))...)
	view := newDeframerView(buf)

	rec1, ok, err := view.nextRecord()
	if err != nil || !ok {
		t.Fatalf("first record: ok=%v err=%v", ok, err)
	}
	if rec1.ct != contentTypeHandshake || string(rec1.fragment) != "abc" {
		t.Fatalf("unexpected first record: %+v", rec1)
	}

	rec2, ok, err := view.nextRecord()
	if err != nil || !ok {
		t.Fatalf("second record: ok=%v err=%v", ok, err)
	}
	if rec2.ct != contentTypeApplicationData || string(rec2.fragment) != "xy" {
		t.Fatalf("unexpected second record: %+v", rec2)
	}

	if view.pendingDiscard() != len(buf) {
		t.Fatalf("pendingDiscard = %d, want %d", view.pendingDiscard(), len(buf))
	}

	_, ok, err = view.nextRecord()
	if ok || err != nil {
		t.Fatalf("expected no more records, got ok=%v err=%v", ok, err)
	}
}

func TestDeframerViewNeedsMoreBytes(t *testing.T) {
	full := record(contentTypeHandshake, []byte("hello"))
	view := newDeframerView(full[:len(full)-2])

	_, ok, err := view.nextRecord()
	if ok || err != nil {
		t.Fatalf("expected incomplete record to report ok=false err=nil, got ok=%v err=%v", ok, err)
	}
	if view.pendingDiscard() != 0 {
		t.Fatalf("pendingDiscard = %d, want 0 for an incomplete record", view.pendingDiscard())
	}
}

func TestDeframerViewRejectsUnknownContentType(t *testing.T) {
	buf := []byte{0x99, 3, 3, 0, 1, 0x00}
	view := newDeframerView(buf)

	_, _, err := view.nextRecord()
	if err == nil {
		t.Fatalf("expected an error for an unknown content type")
	}
}

func TestDeframerViewRejectsOversizedRecord(t *testing.T) {
	buf := []byte{byte(contentTypeHandshake), 3, 3, 0xFF, 0xFF}
	view := newDeframerView(buf)

	_, _, err := view.nextRecord()
	if err == nil {
		t.Fatalf("expected an error for an oversized record body")
	}
}
