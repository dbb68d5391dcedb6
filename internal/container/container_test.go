package container

import "testing"

func TestRefIsZero(t *testing.T) {
	if !(Ref{}).IsZero() {
		t.Error("zero-value Ref should report IsZero")
	}
	if (Ref{ID: "abc"}).IsZero() {
		t.Error("Ref with an ID should not report IsZero")
	}
}
