// Package directorytest provides a conformance suite for
// directory.Directory implementations.
package directorytest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deskmux/deskmux/directory"
)

// Run exercises the directory contract against a fresh instance from mk.
// Implementations with real lease expiry should keep TTL resolution at or
// below one second for the expiry subtest to observe it quickly.
func Run(t *testing.T, mk func(t *testing.T) directory.Directory) {
	t.Helper()
	ctx := context.Background()

	rec := func(id string) directory.Record {
		return directory.Record{
			ID:       id,
			Protocol: "echo",
			Node:     "127.0.0.1:4822",
			Users:    1,
			Created:  time.Now().UTC().Truncate(time.Second),
		}
	}

	t.Run("PublishThenLookup", func(t *testing.T) {
		d := mk(t)
		defer d.Close()

		want := rec("$11111111-2222-4333-8444-555555555555")
		if err := d.Publish(ctx, want, time.Minute); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		got, err := d.Lookup(ctx, want.ID)
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		if got.ID != want.ID || got.Protocol != want.Protocol || got.Node != want.Node {
			t.Fatalf("Lookup returned %+v, want %+v", got, want)
		}
	})

	t.Run("LookupMissing", func(t *testing.T) {
		d := mk(t)
		defer d.Close()

		_, err := d.Lookup(ctx, "$00000000-0000-4000-8000-000000000000")
		if !errors.Is(err, directory.ErrNotFound) {
			t.Fatalf("Lookup of absent id returned %v, want ErrNotFound", err)
		}
	})

	t.Run("RepublishExtendsAndUpdates", func(t *testing.T) {
		d := mk(t)
		defer d.Close()

		r := rec("$aaaaaaaa-bbbb-4ccc-8ddd-eeeeeeeeeeee")
		if err := d.Publish(ctx, r, time.Minute); err != nil {
			t.Fatalf("first Publish failed: %v", err)
		}
		r.Users = 3
		if err := d.Publish(ctx, r, time.Minute); err != nil {
			t.Fatalf("second Publish failed: %v", err)
		}
		got, err := d.Lookup(ctx, r.ID)
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		if got.Users != 3 {
			t.Fatalf("republish did not update: users = %d, want 3", got.Users)
		}
	})

	t.Run("LeaseExpires", func(t *testing.T) {
		d := mk(t)
		defer d.Close()

		r := rec("$12121212-3434-4565-8787-909090909090")
		if err := d.Publish(ctx, r, time.Second); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		deadline := time.Now().Add(10 * time.Second)
		for {
			_, err := d.Lookup(ctx, r.ID)
			if errors.Is(err, directory.ErrNotFound) {
				return
			}
			if err != nil {
				t.Fatalf("Lookup failed: %v", err)
			}
			if time.Now().After(deadline) {
				t.Fatalf("lease never expired")
			}
			time.Sleep(100 * time.Millisecond)
		}
	})

	t.Run("RemoveIsIdempotent", func(t *testing.T) {
		d := mk(t)
		defer d.Close()

		r := rec("$fedcba98-7654-4321-8765-432187654321")
		if err := d.Publish(ctx, r, time.Minute); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if err := d.Remove(ctx, r.ID); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if _, err := d.Lookup(ctx, r.ID); !errors.Is(err, directory.ErrNotFound) {
			t.Fatalf("Lookup after Remove returned %v, want ErrNotFound", err)
		}
		if err := d.Remove(ctx, r.ID); err != nil {
			t.Fatalf("second Remove returned %v, want nil", err)
		}
	})

	t.Run("ListReturnsLiveRecords", func(t *testing.T) {
		d := mk(t)
		defer d.Close()

		a := rec("$aaaa1111-0000-4000-8000-00000000000a")
		b := rec("$bbbb2222-0000-4000-8000-00000000000b")
		if err := d.Publish(ctx, a, time.Minute); err != nil {
			t.Fatalf("Publish a failed: %v", err)
		}
		if err := d.Publish(ctx, b, time.Minute); err != nil {
			t.Fatalf("Publish b failed: %v", err)
		}

		recs, err := d.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		found := map[string]bool{}
		for _, r := range recs {
			found[r.ID] = true
		}
		if !found[a.ID] || !found[b.ID] {
			t.Fatalf("List missing published records: %+v", recs)
		}
	})
}
