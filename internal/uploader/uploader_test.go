package uploader

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	puts    []putCall
	failKey string
}

type putCall struct {
	bucket string
	key    string
	body   []byte
	acl    string
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	call := putCall{bucket: *in.Bucket, key: *in.Key, body: body, acl: string(in.ACL)}
	if f.failKey != "" && call.key == f.failKey {
		return nil, errors.New("simulated put failure")
	}
	f.puts = append(f.puts, call)
	return &s3.PutObjectOutput{}, nil
}

func TestPut(t *testing.T) {
	fake := &fakePutter{}
	u := NewWithClient(fake, "radar-bucket", "radar")

	if err := u.Put(context.Background(), "1.grid.gz", []byte("blob")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(fake.puts) != 1 {
		t.Fatalf("got %d puts, want 1", len(fake.puts))
	}
	got := fake.puts[0]
	if got.bucket != "radar-bucket" || got.key != "radar/1.grid.gz" {
		t.Errorf("put to %s/%s", got.bucket, got.key)
	}
	if string(got.body) != "blob" {
		t.Errorf("body = %q", got.body)
	}
	if got.acl != "public-read" {
		t.Errorf("acl = %q, want public-read", got.acl)
	}
}

func TestPutSequence(t *testing.T) {
	fake := &fakePutter{}
	u := NewWithClient(fake, "radar-bucket", "radar")

	blobs := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	names, err := u.PutSequence(context.Background(), blobs, 21, ".grid.gz")
	if err != nil {
		t.Fatalf("PutSequence: %v", err)
	}
	want := []string{"21.grid.gz", "22.grid.gz", "23.grid.gz"}
	if len(names) != len(want) {
		t.Fatalf("got %d names, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
		if fake.puts[i].key != "radar/"+want[i] {
			t.Errorf("keys[%d] = %q", i, fake.puts[i].key)
		}
	}
}

func TestPutSequenceStopsOnError(t *testing.T) {
	fake := &fakePutter{failKey: "radar/22.grid.gz"}
	u := NewWithClient(fake, "radar-bucket", "radar")

	names, err := u.PutSequence(context.Background(), [][]byte{[]byte("a"), []byte("b"), []byte("c")}, 21, ".grid.gz")
	if err == nil {
		t.Fatal("expected error")
	}
	if len(names) != 1 || names[0] != "21.grid.gz" {
		t.Errorf("names = %v, want just the first object", names)
	}
}

func TestPutEmptySubfolder(t *testing.T) {
	fake := &fakePutter{}
	u := NewWithClient(fake, "radar-bucket", "")
	if err := u.Put(context.Background(), "1.grid.gz", nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if fake.puts[0].key != "1.grid.gz" {
		t.Errorf("key = %q, want no leading subfolder", fake.puts[0].key)
	}
}
