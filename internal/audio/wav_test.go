package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func writeTone(t *testing.T, path string, sampleRate int, samples []int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: sampleRate}, Data: samples, SourceBitDepth: 16}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestWAVJoinsSamplesInOrder(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.wav"), filepath.Join(dir, "b.wav")
	writeTone(t, a, 16000, []int{1, 2, 3})
	writeTone(t, b, 16000, []int{4, 5})
	out := filepath.Join(dir, "out.wav")

	if err := NewWAV(0).Concat(context.Background(), []string{a, b}, out); err != nil {
		t.Fatalf("concat: %v", err)
	}
	buf, format, err := readWAV(out)
	if err != nil {
		t.Fatalf("read merged: %v", err)
	}
	if format.sampleRate != 16000 || format.channels != 1 || format.bitDepth != 16 {
		t.Fatalf("unexpected format %+v", format)
	}
	if !reflect.DeepEqual(buf.Data, []int{1, 2, 3, 4, 5}) {
		t.Fatalf("unexpected samples %v", buf.Data)
	}
}

func TestWAVRejectsMixedFormats(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.wav"), filepath.Join(dir, "b.wav")
	writeTone(t, a, 16000, []int{1})
	writeTone(t, b, 22050, []int{2})
	out := filepath.Join(dir, "out.wav")

	err := NewWAV(0).Concat(context.Background(), []string{a, b}, out)
	var mergeErr *MergeError
	if !errors.As(err, &mergeErr) {
		t.Fatalf("expected MergeError, got %v", err)
	}
	if Valid(out, 0) || Valid(out+".part", 0) {
		t.Fatal("expected no output after failed merge")
	}
}

func TestWAVRejectsNonWAVInput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "a.mp3")
	writeFile(t, in, "ID3 not a riff file")
	if err := NewWAV(0).Concat(context.Background(), []string{in}, filepath.Join(dir, "out.wav")); err == nil {
		t.Fatal("expected error for non-wav input")
	}
}

func TestWAVBadInputMidListLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	a, b, c := filepath.Join(dir, "a.wav"), filepath.Join(dir, "b.wav"), filepath.Join(dir, "c.wav")
	writeTone(t, a, 16000, []int{1, 2})
	writeFile(t, b, "RIFF but not really")
	writeTone(t, c, 16000, []int{3})
	out := filepath.Join(dir, "out.wav")

	err := NewWAV(0).Concat(context.Background(), []string{a, b, c}, out)
	var mergeErr *MergeError
	if !errors.As(err, &mergeErr) || mergeErr.Inputs != 3 {
		t.Fatalf("expected MergeError over 3 inputs, got %v", err)
	}
	if Valid(out, 0) || Valid(out+".part", 0) {
		t.Fatal("expected no output after failed merge")
	}
	// The partial file must be closed and removable again by a retry.
	writeTone(t, b, 16000, []int{9})
	if err := NewWAV(0).Concat(context.Background(), []string{a, b, c}, out); err != nil {
		t.Fatalf("retry after fixing input: %v", err)
	}
}
