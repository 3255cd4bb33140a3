package policy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/orderguard/internal/headerorder"
)

const (
	testSSMParam = "/orderguard/policy/current"
	testBucket   = "policy-bucket"
	testPrefix   = "orderguard/policies"
)

// fakeSSM returns a configurable parameter value or error
type fakeSSM struct {
	mu    sync.Mutex
	value *string
	err   error
	calls int
}

func ssmWithValue(v string) *fakeSSM { return &fakeSSM{value: aws.String(v)} }

func (f *fakeSSM) set(v string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = aws.String(v)
	f.err = err
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Name: in.Name, Value: f.value}}, nil
}

// fakeS3 serves objects from a map keyed by object key
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
	gets    []string
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

var errNoSuchKey = errors.New("NoSuchKey")

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	f.gets = append(f.gets, key)
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, errNoSuchKey
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

// fakeVerifier accepts a signature equal to want
type fakeVerifier struct {
	want  []byte
	calls int
}

func (f *fakeVerifier) VerifySignature(_ context.Context, _, signature []byte) error {
	f.calls++
	if !bytes.Equal(signature, f.want) {
		return errors.New("signature mismatch")
	}
	return nil
}

// fakeTarget records SetOptions calls
type fakeTarget struct {
	mu   sync.Mutex
	cfgs []headerorder.Config
}

func (f *fakeTarget) SetOptions(c headerorder.Config) {
	f.mu.Lock()
	f.cfgs = append(f.cfgs, c)
	f.mu.Unlock()
}

func (f *fakeTarget) last() (headerorder.Config, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cfgs) == 0 {
		return headerorder.Config{}, 0
	}
	return f.cfgs[len(f.cfgs)-1], len(f.cfgs)
}

// fakeSource is a Source with settable version and document
type fakeSource struct {
	mu         sync.Mutex
	version    string
	versionErr error
	doc        *Document
	fetchErr   error
	fetches    int
}

func (f *fakeSource) set(version string, doc *Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version, f.doc, f.versionErr, f.fetchErr = version, doc, nil, nil
}

func (f *fakeSource) Version(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version, f.versionErr
}

func (f *fakeSource) Fetch(context.Context, string) (*Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.doc, f.fetchErr
}

// metricsRecorder implements WatcherMetrics
type metricsRecorder struct {
	mu     sync.Mutex
	polls  int
	swaps  int
	errs   map[string]int
	stale  bool
	lastOK float64
}

func newMetricsRecorder() *metricsRecorder { return &metricsRecorder{errs: make(map[string]int)} }

func (m *metricsRecorder) IncPolicyPolls() { m.mu.Lock(); m.polls++; m.mu.Unlock() }
func (m *metricsRecorder) IncPolicySwaps() { m.mu.Lock(); m.swaps++; m.mu.Unlock() }
func (m *metricsRecorder) IncPolicyError(errType string) {
	m.mu.Lock()
	m.errs[errType]++
	m.mu.Unlock()
}
func (m *metricsRecorder) SetPolicyLastSuccess(v float64) { m.mu.Lock(); m.lastOK = v; m.mu.Unlock() }
func (m *metricsRecorder) SetPolicyStale(stale bool)      { m.mu.Lock(); m.stale = stale; m.mu.Unlock() }

func intp(v int) *int       { return &v }
func int64p(v int64) *int64 { return &v }
func boolp(v bool) *bool    { return &v }
