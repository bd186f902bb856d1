package queue

import (
	"encoding/binary"
	"time"
)

// Key layout. Index keys end in BigEndian integers so lexicographic order
// is numeric order.
const (
	jobPrefix = "job:"
	seqKey    = "seq:job"

	waitingPrefix   = "idx:w:" // seq -> id
	delayedPrefix   = "idx:d:" // availableAt, seq -> id
	activePrefix    = "idx:a:" // seq -> id
	completedPrefix = "idx:c:" // finishSeq -> id
	failedPrefix    = "idx:f:" // finishSeq -> id
)

func makeJobKey(id string) []byte {
	return []byte(jobPrefix + id)
}

func indexPrefix(state State) string {
	switch state {
	case StateWaiting:
		return waitingPrefix
	case StateDelayed:
		return delayedPrefix
	case StateActive:
		return activePrefix
	case StateCompleted:
		return completedPrefix
	case StateFailed:
		return failedPrefix
	}
	return ""
}

func makeSeqKey(prefix string, seq uint64) []byte {
	buf := make([]byte, len(prefix)+8)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], seq)
	return buf
}

func makeDelayedKey(availableAt time.Time, seq uint64) []byte {
	buf := make([]byte, len(delayedPrefix)+16)
	offset := copy(buf, delayedPrefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(availableAt.UnixMicro()))
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], seq)
	return buf
}

// delayedKeyTime decodes the availableAt part of a delayed index key
func delayedKeyTime(key []byte) time.Time {
	micros := binary.BigEndian.Uint64(key[len(delayedPrefix):])
	return time.UnixMicro(int64(micros))
}

// makeIndexKey returns the index key a job occupies in its current state
func makeIndexKey(job *Job) []byte {
	switch job.State {
	case StateDelayed:
		return makeDelayedKey(job.AvailableAt, job.Seq)
	case StateCompleted, StateFailed:
		return makeSeqKey(indexPrefix(job.State), job.FinishSeq)
	default:
		return makeSeqKey(indexPrefix(job.State), job.Seq)
	}
}
