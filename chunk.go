package tlsio

// chunk is an owned, sized byte sequence produced by the handshake engine
// (outbound) or the record-layer decryptor (inbound). It is consumed exactly
// once by the caller (spec §3, "Chunk").
type chunk []byte

// chunkQueue is a simple FIFO of pending chunks. It backs both the outbound
// encoded-record queue (C3) and the inbound decrypted-plaintext queue (C4).
// Neither queue aggregates: the dispatcher pops and returns at most one
// chunk per advance (spec §4.2, §9 "no internal plaintext queue beyond
// single chunks").
type chunkQueue struct {
	items []chunk
}

func (q *chunkQueue) push(c chunk) {
	q.items = append(q.items, c)
}

func (q *chunkQueue) pop() (chunk, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	c := q.items[0]
	q.items = q.items[1:]
	return c, true
}

func (q *chunkQueue) empty() bool {
	return len(q.items) == 0
}
