package artifacts

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/supercheck-io/supercheck/internal/apperr"
)

type fakeS3 struct {
	objects map[string][]byte
	puts    []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := *in.Bucket + "/" + *in.Key
	f.objects[key] = data
	f.puts = append(f.puts, key)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Bucket+"/"+*in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var out s3.ListObjectsV2Output
	for key := range f.objects {
		full := *in.Bucket + "/" + *in.Prefix
		if strings.HasPrefix(key, full) {
			trimmed := strings.TrimPrefix(key, *in.Bucket+"/")
			out.Contents = append(out.Contents, s3types.Object{Key: aws.String(trimmed)})
		}
	}
	return &out, nil
}

type fakePresigner struct{}

func (fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4PresignedRequest, error) {
	return &v4PresignedRequest{URL: "https://signed.example/" + *in.Bucket + "/" + *in.Key}, nil
}

func newTestSink(f *fakeS3) *Sink {
	return &Sink{
		client:    f,
		presigner: fakePresigner{},
		buckets: map[EntityType]string{
			EntityRun:  "runs",
			EntityTest: "tests",
			EntityJob:  "jobs",
		},
		logger: zap.NewNop(),
	}
}

func TestKeyLayout(t *testing.T) {
	got := Key(EntityRun, "org-1", "proj-1", "run-1", "report.html")
	if got != "run/org-1/proj-1/run-1/report.html" {
		t.Fatalf("key = %q", got)
	}
}

func TestPutStreamStoresAndScopesKey(t *testing.T) {
	f := newFakeS3()
	sink := newTestSink(f)

	body := []byte("<html>report</html>")
	key, err := sink.PutStream(context.Background(), EntityRun,
		"org-1", "proj-1", "run-1", "report.html",
		bytes.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatalf("PutStream: %v", err)
	}
	if key != "run/org-1/proj-1/run-1/report.html" {
		t.Fatalf("key = %q", key)
	}
	if got := f.objects["runs/"+key]; !bytes.Equal(got, body) {
		t.Fatalf("stored %q", got)
	}
}

func TestPutStreamRejectsOversize(t *testing.T) {
	sink := newTestSink(newFakeS3())
	_, err := sink.PutStream(context.Background(), EntityRun,
		"org-1", "proj-1", "run-1", "screenshot.png",
		bytes.NewReader(nil), MaxCaptureSize+1)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSignedRead(t *testing.T) {
	sink := newTestSink(newFakeS3())
	url, err := sink.SignedRead(context.Background(), EntityRun, "run/org-1/proj-1/run-1/report.html")
	if err != nil {
		t.Fatalf("SignedRead: %v", err)
	}
	if !strings.HasPrefix(url, "https://signed.example/runs/") {
		t.Fatalf("url = %q", url)
	}
}

func TestDeletePrefix(t *testing.T) {
	f := newFakeS3()
	sink := newTestSink(f)

	for _, name := range []string{"report.html", "trace.zip"} {
		body := []byte("x")
		if _, err := sink.PutStream(context.Background(), EntityRun,
			"org-1", "proj-1", "run-1", name, bytes.NewReader(body), 1); err != nil {
			t.Fatalf("PutStream: %v", err)
		}
	}
	keep := []byte("y")
	if _, err := sink.PutStream(context.Background(), EntityRun,
		"org-1", "proj-1", "run-2", "report.html", bytes.NewReader(keep), 1); err != nil {
		t.Fatalf("PutStream: %v", err)
	}

	n, err := sink.DeletePrefix(context.Background(), EntityRun, "run/org-1/proj-1/run-1/")
	if err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d", n)
	}
	if _, ok := f.objects["runs/run/org-1/proj-1/run-2/report.html"]; !ok {
		t.Fatal("unrelated object was deleted")
	}
}

func TestContentTypeFor(t *testing.T) {
	if ct := contentTypeFor("trace.bin"); ct != "application/octet-stream" {
		t.Fatalf("ct = %q", ct)
	}
	if ct := contentTypeFor("summary.json"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("ct = %q", ct)
	}
}
