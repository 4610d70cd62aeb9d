package events

import (
	"sync"
	"testing"
)

var (
	topicNumber = NewTopic[int]("number")
	topicWord   = NewTopic[string]("word")
)

func TestPublishRunsHandlersInSubscriptionOrder(t *testing.T) {
	var b Bus
	var got []string
	Subscribe(&b, topicNumber, func(n int) { got = append(got, "first") })
	Subscribe(&b, topicNumber, func(n int) { got = append(got, "second") })

	Publish(&b, topicNumber, 1)

	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("got %v, want [first second]", got)
	}
}

func TestPublishIsolatesTopics(t *testing.T) {
	var b Bus
	var numbers []int
	var words []string
	Subscribe(&b, topicNumber, func(n int) { numbers = append(numbers, n) })
	Subscribe(&b, topicWord, func(s string) { words = append(words, s) })

	Publish(&b, topicWord, "hello")
	Publish(&b, topicNumber, 7)

	if len(numbers) != 1 || numbers[0] != 7 {
		t.Fatalf("numbers=%v, want [7]", numbers)
	}
	if len(words) != 1 || words[0] != "hello" {
		t.Fatalf("words=%v, want [hello]", words)
	}
}

func TestUnsubscribe(t *testing.T) {
	var b Bus
	calls := 0
	off := Subscribe(&b, topicNumber, func(int) { calls++ })
	Publish(&b, topicNumber, 1)
	off()
	off()
	Publish(&b, topicNumber, 2)

	if calls != 1 {
		t.Fatalf("calls=%d, want 1", calls)
	}
	if n := b.Subscribers(topicNumber.Name()); n != 0 {
		t.Fatalf("Subscribers=%d, want 0", n)
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	var b Bus
	var off func()
	calls := 0
	off = Subscribe(&b, topicNumber, func(int) {
		calls++
		off()
	})
	Publish(&b, topicNumber, 1)
	Publish(&b, topicNumber, 2)
	if calls != 1 {
		t.Fatalf("calls=%d, want 1", calls)
	}
}

func TestConcurrentPublish(t *testing.T) {
	var b Bus
	var mu sync.Mutex
	sum := 0
	Subscribe(&b, topicNumber, func(n int) {
		mu.Lock()
		sum += n
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			Publish(&b, topicNumber, n)
		}(i)
	}
	wg.Wait()

	if sum != 5050 {
		t.Fatalf("sum=%d, want 5050", sum)
	}
}
