package test

import (
	"context"
	"fmt"
	"sharebox/pkg/domain"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestConcurrentGeneratedIDsAreUnique(t *testing.T) {
	c := createTestConfig(t)
	content, _ := createTestContent(t, c, createTestRedis(t, c))
	ctx := context.Background()

	const n = 200
	ids := make(chan string, n)
	var wg sync.WaitGroup
	var errCount int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := content.Save(ctx, domain.CreateParams{Content: "concurrent content", ExpireHours: 1})
			if err != nil {
				atomic.AddInt64(&errCount, 1)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	if errCount > 0 {
		t.Fatalf("%d of %d saves failed", errCount, n)
	}
	seen := make(map[string]bool, n)
	for id := range ids {
		if seen[id] {
			t.Fatalf("id %q returned twice", id)
		}
		seen[id] = true
	}
	list, err := content.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != n {
		t.Errorf("List() returned %d rows, want %d", len(list), n)
	}
}

func TestConcurrentSameCustomID(t *testing.T) {
	c := createTestConfig(t)
	content, _ := createTestContent(t, c, createTestRedis(t, c))
	ctx := context.Background()
	id := uniqueID("race")

	const n = 50
	var wg sync.WaitGroup
	var success, duplicate, other int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := content.Save(ctx, domain.CreateParams{
				Content:  fmt.Sprintf("writer %d", i),
				CustomID: id,
			})
			switch {
			case err == nil:
				atomic.AddInt64(&success, 1)
			case domain.IsDuplicateID(err):
				atomic.AddInt64(&duplicate, 1)
			default:
				atomic.AddInt64(&other, 1)
				t.Logf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if success != 1 {
		t.Errorf("successful saves = %d, want exactly 1", success)
	}
	if duplicate != n-1 {
		t.Errorf("duplicate errors = %d, want %d", duplicate, n-1)
	}
	if other != 0 {
		t.Errorf("unexpected errors = %d", other)
	}
}

func TestConcurrentDeleteSameContent(t *testing.T) {
	c := createTestConfig(t)
	content, store := createTestContent(t, c, createTestRedis(t, c))
	ctx := context.Background()

	id, err := content.Save(ctx, domain.CreateParams{Content: "delete me"})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var errCount int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := content.Delete(ctx, id); err != nil {
				atomic.AddInt64(&errCount, 1)
			}
		}()
	}
	wg.Wait()

	if errCount != 0 {
		t.Errorf("%d deletes failed, want all to succeed", errCount)
	}
	exists, err := store.Exists(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("row still present after concurrent deletes")
	}
	if _, err := content.Get(ctx, id); !domain.IsNotFound(err) {
		t.Errorf("Get() after delete error = %v, want not found", err)
	}
}

func TestConcurrentReadersDuringDelete(t *testing.T) {
	c := createTestConfig(t)
	content, _ := createTestContent(t, c, createTestRedis(t, c))
	ctx := context.Background()

	id, err := content.Save(ctx, domain.CreateParams{Content: "hot"})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var bad int64
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := content.Get(ctx, id)
			if err != nil {
				if !domain.IsNotFound(err) {
					atomic.AddInt64(&bad, 1)
				}
				return
			}
			if got.Content != "hot" {
				atomic.AddInt64(&bad, 1)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = content.Delete(ctx, id)
	}()
	wg.Wait()

	if bad != 0 {
		t.Errorf("%d readers saw an error other than not found or wrong content", bad)
	}
	if _, err := content.Get(ctx, id); !domain.IsNotFound(err) {
		t.Errorf("Get() after delete error = %v, want not found", err)
	}
}
