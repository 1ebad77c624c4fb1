// This file contains unit tests for CQue.

package cque

import (
	"context"
	"sync"
	"testing"
	"time"

	"rtmpd/internal/core/buffer"

	"github.com/pkg/errors"
)

func item(b ...byte) *buffer.Buffer {
	return buffer.From(b)
}

func TestCQueFIFO(t *testing.T) {
	q := New("test")
	for i := 0; i < 10; i++ {
		q.Push(item(byte(i)))
	}
	if q.Len() != 10 {
		t.Fatalf("Expected 10 items, got %d", q.Len())
	}
	if head := q.Peek(); head == nil || head.Bytes()[0] != 0 {
		t.Error("Peek should return the first pushed item")
	}
	for i := 0; i < 10; i++ {
		b := q.Pop()
		if b == nil || b.Bytes()[0] != byte(i) {
			t.Fatalf("Pop %d returned %v", i, b)
		}
	}
	if q.Pop() != nil {
		t.Error("Pop on empty queue should return nil")
	}
}

func TestCQueConcurrentProducers(t *testing.T) {
	q := New("test")
	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b := buffer.New(2)
				b.AppendByte(byte(p))
				b.AppendByte(byte(i % 256))
				q.Push(b)
				q.Notify()
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[[2]byte]int)
	lastPerProducer := make(map[byte]int)
	for b := q.Pop(); b != nil; b = q.Pop() {
		key := [2]byte{b.Bytes()[0], b.Bytes()[1]}
		seen[key]++
		p := b.Bytes()[0]
		lastPerProducer[p]++
		if int(b.Bytes()[1]) != (lastPerProducer[p]-1)%256 {
			t.Fatalf("producer %d items out of order", p)
		}
	}
	total := 0
	for _, n := range seen {
		total += n
	}
	if total != producers*perProducer {
		t.Errorf("Expected %d items, got %d", producers*perProducer, total)
	}
}

func TestCQueWaitNotify(t *testing.T) {
	q := New("test")
	woke := make(chan struct{})
	go func() {
		if err := q.Wait(context.Background()); err != nil {
			t.Errorf("Wait failed: %v", err)
		}
		close(woke)
	}()

	q.Push(item(1))
	q.Notify()
	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("Waiter was not woken")
	}
}

func TestCQueNotifyBeforeWait(t *testing.T) {
	q := New("test")
	q.Notify()
	q.Notify()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("Pending notify was lost: %v", err)
	}
	short, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if err := q.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected only one pending wakeup, got %v", err)
	}
}

func TestCQueWaitCancelled(t *testing.T) {
	q := New("test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestCQueRemove(t *testing.T) {
	q := New("test")
	for i := 0; i < 5; i++ {
		q.Push(item(byte(i)))
	}
	if err := q.Remove(1, 3); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	want := []byte{0, 3, 4}
	for _, w := range want {
		if b := q.Pop(); b == nil || b.Bytes()[0] != w {
			t.Fatalf("Expected %d after remove, got %v", w, b)
		}
	}
	if err := q.Remove(0, 1); !errors.Is(err, ErrRange) {
		t.Errorf("Expected ErrRange on empty queue, got %v", err)
	}
}

func TestCQueMerge(t *testing.T) {
	q := New("test")
	q.Push(item(1, 2))
	second := item(3, 4, 5)
	if _, err := second.Next(1); err != nil {
		t.Fatal(err)
	}
	q.Push(second)
	q.Push(item(6))

	merged, err := q.Merge(1)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if string(merged.Bytes()) != string([]byte{4, 5, 6}) {
		t.Errorf("Unexpected merged bytes % x", merged.Bytes())
	}
	if q.Len() != 2 {
		t.Errorf("Expected 2 items after merge, got %d", q.Len())
	}
	if _, err := q.Merge(5); !errors.Is(err, ErrRange) {
		t.Errorf("Expected ErrRange, got %v", err)
	}

	q.Clear()
	if b, err := q.Merge(0); b != nil || err != nil {
		t.Errorf("Merge on empty queue should return nil, nil; got %v, %v", b, err)
	}
}
