package handlers

import (
	"reflect"
	"testing"
)

func ok(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func equals(t *testing.T, got, want interface{}) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func notEquals(t *testing.T, got, unwanted interface{}) {
	t.Helper()
	if reflect.DeepEqual(got, unwanted) {
		t.Fatalf("got unwanted value %#v", got)
	}
}
