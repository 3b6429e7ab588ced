package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kjstillabower/city-geo-service/internal/models"
)

type mockLister struct {
	cities []models.City
	err    error
}

func (m *mockLister) List(ctx context.Context) ([]models.City, error) {
	return m.cities, m.err
}

type failingCache struct {
	*InMemoryCache
	failName string
}

func (f *failingCache) Set(ctx context.Context, name string, city models.City, ttl time.Duration) error {
	if name == f.failName {
		return errors.New("cache down")
	}
	return f.InMemoryCache.Set(ctx, name, city, ttl)
}

func TestWarmer_Warm_Success(t *testing.T) {
	lister := &mockLister{cities: []models.City{
		{Name: "Moscow", Latitude: 55.75, Longitude: 37.62},
		{Name: "Paris", Latitude: 48.85, Longitude: 2.35},
	}}
	c := NewInMemoryCache()
	w := NewWarmer(lister, c, time.Minute, nil)

	n, err := w.Warm(context.Background())
	if err != nil {
		t.Fatalf("Warm() error = %v, want nil", err)
	}
	if n != 2 {
		t.Errorf("Warm() = %d, want 2", n)
	}
	for _, want := range lister.cities {
		got, ok, _ := c.Get(context.Background(), want.Name)
		if !ok || got != want {
			t.Errorf("Get(%q) = %+v, %v; want %+v", want.Name, got, ok, want)
		}
	}
}

func TestWarmer_Warm_EmptyStore(t *testing.T) {
	w := NewWarmer(&mockLister{}, NewInMemoryCache(), time.Minute, nil)

	n, err := w.Warm(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Warm() = %d, %v; want 0, nil", n, err)
	}
}

func TestWarmer_Warm_ListError(t *testing.T) {
	listErr := errors.New("db down")
	w := NewWarmer(&mockLister{err: listErr}, NewInMemoryCache(), time.Minute, nil)

	_, err := w.Warm(context.Background())
	if !errors.Is(err, listErr) {
		t.Fatalf("Warm() error = %v, want wrapping %v", err, listErr)
	}
}

func TestWarmer_Warm_PartialFailure(t *testing.T) {
	lister := &mockLister{cities: []models.City{{Name: "Moscow"}, {Name: "Paris"}, {Name: "Rome"}}}
	c := &failingCache{InMemoryCache: NewInMemoryCache(), failName: "Paris"}
	w := NewWarmer(lister, c, time.Minute, nil)

	n, err := w.Warm(context.Background())
	if err == nil {
		t.Fatal("Warm() error = nil, want non-nil")
	}
	if n != 2 {
		t.Errorf("Warm() = %d, want 2", n)
	}
	if _, ok, _ := c.Get(context.Background(), "Rome"); !ok {
		t.Error("Rome not warmed despite Paris failing")
	}
}
