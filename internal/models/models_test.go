package models

import "testing"

func TestIdentityRoundTrip(t *testing.T) {
	id := Identity{MessageID: 447, ChatID: -1001234}
	got, err := ParseIdentity(id.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != id {
		t.Fatalf("expected %+v, got %+v", id, got)
	}
	if _, err := ParseIdentity("nonsense"); err == nil {
		t.Fatal("expected error for malformed identity")
	}
}

func TestRecountUsesDiskForUnfinishedParts(t *testing.T) {
	task := &Task{
		FileSize: 25,
		Parts: []Part{
			{Index: 0, StartOffset: 0, EndOffset: 9, Status: PartCompleted},
			{Index: 1, StartOffset: 10, EndOffset: 19, Status: PartDownloading},
			{Index: 2, StartOffset: 20, EndOffset: 24, Status: PartPending},
		},
	}
	onDisk := map[int]int64{0: 0, 1: 4, 2: 0}
	task.Recount(func(i int) int64 { return onDisk[i] })
	if task.DownloadedBytes != 14 {
		t.Fatalf("expected 14 bytes, got %d", task.DownloadedBytes)
	}
	if p := task.ProgressPercent(); p != 56 {
		t.Fatalf("expected 56%%, got %.2f", p)
	}
}

func TestRecountNeverExceedsFileSize(t *testing.T) {
	task := &Task{
		FileSize: 10,
		Parts: []Part{
			{Index: 0, StartOffset: 0, EndOffset: 4, Status: PartDownloading},
			{Index: 1, StartOffset: 5, EndOffset: 9, Status: PartDownloading},
		},
	}
	task.Recount(func(int) int64 { return 100 })
	if task.DownloadedBytes != 10 {
		t.Fatalf("expected clamp to 10, got %d", task.DownloadedBytes)
	}
}

func TestAllCompleted(t *testing.T) {
	task := &Task{Parts: []Part{{Status: PartCompleted}, {Status: PartPending}}}
	if task.AllCompleted() {
		t.Fatal("expected incomplete task")
	}
	task.Parts[1].Status = PartCompleted
	if !task.AllCompleted() {
		t.Fatal("expected completed task")
	}
	if (&Task{}).AllCompleted() {
		t.Fatal("task without parts is never complete")
	}
}

func TestCloneIsDeep(t *testing.T) {
	task := &Task{Parts: []Part{{Index: 0, Status: PartPending}}}
	c := task.Clone()
	c.Parts[0].Status = PartCompleted
	if task.Parts[0].Status != PartPending {
		t.Fatal("clone shares parts with original")
	}
}
