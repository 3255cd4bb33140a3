package policy

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/orderguard/internal/log"
	"github.com/keithlinneman/orderguard/internal/xerrors"
)

// DefaultMaxDocumentBytes caps what is read from S3 for one document or signature
const DefaultMaxDocumentBytes = 64 << 10

// SSMAPI is the subset of the SSM client the remote source needs
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// S3API is the subset of the S3 client the remote source needs
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SignatureVerifier checks a detached signature over a document, implemented by cryptoutil.KMSVerifier
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

type RemoteOptions struct {
	Logger log.Logger

	// SSM parameter holding the current policy version id
	SSMParam string

	// S3 location for documents: s3://{bucket}/{prefix}/{version}.yaml
	// and the signature next to it as {version}.yaml.sig
	S3Bucket string
	S3Prefix string

	SSM SSMAPI
	S3  S3API

	// Verifier, when set, makes a valid signature mandatory
	Verifier SignatureVerifier

	MaxBytes int64
}

// RemoteSource reads the version pointer from SSM and the document from S3
type RemoteSource struct {
	opts   RemoteOptions
	logger log.Logger
}

func NewRemoteSource(opts RemoteOptions) (*RemoteSource, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.S3Bucket == "" {
		return nil, xerrors.New("S3Bucket is required")
	}
	if opts.SSM == nil || opts.S3 == nil {
		return nil, xerrors.New("SSM and S3 clients are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxDocumentBytes
	}
	opts.S3Prefix = strings.Trim(opts.S3Prefix, "/")
	return &RemoteSource{opts: opts, logger: opts.Logger}, nil
}

// Version gets the current policy version id from SSM
func (s *RemoteSource) Version(ctx context.Context) (string, error) {
	out, err := s.opts.SSM.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", s.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", s.opts.SSMParam)
	}

	version := strings.TrimSpace(*out.Parameter.Value)
	if err := checkVersion(version); err != nil {
		return "", xerrors.Wrapf(err, "SSM parameter %s", s.opts.SSMParam)
	}
	return version, nil
}

// checkVersion keeps the id usable as a single S3 key segment
func checkVersion(v string) error {
	if v == "" {
		return xerrors.New("policy version is empty")
	}
	if v == "." || v == ".." || len(v) > 128 {
		return xerrors.Newf("invalid policy version %q", v)
	}
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return xerrors.Newf("invalid character %q in policy version %q", r, v)
		}
	}
	return nil
}

func (s *RemoteSource) key(version string) string {
	if s.opts.S3Prefix != "" {
		return fmt.Sprintf("%s/%s.yaml", s.opts.S3Prefix, version)
	}
	return version + ".yaml"
}

func (s *RemoteSource) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.opts.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.opts.MaxBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", s.opts.S3Bucket, key)
	}
	if int64(len(data)) > s.opts.MaxBytes {
		return nil, xerrors.Newf("S3 object s3://%s/%s exceeds %d bytes", s.opts.S3Bucket, key, s.opts.MaxBytes)
	}
	return data, nil
}

// Fetch downloads the document for version, verifies its signature when a verifier is configured,
// and parses it. The signature object holds the base64 signature as printed by `aws kms sign`.
func (s *RemoteSource) Fetch(ctx context.Context, version string) (*Document, error) {
	if err := checkVersion(version); err != nil {
		return nil, err
	}
	key := s.key(version)

	s.logger.Info(ctx, "downloading policy document",
		"bucket", s.opts.S3Bucket,
		"key", key,
		"version", version,
	)

	data, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}

	if s.opts.Verifier != nil {
		raw, err := s.get(ctx, key+".sig")
		if err != nil {
			return nil, xerrors.Wrap(err, "signature required but not available")
		}
		sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, xerrors.Wrapf(err, "decode signature s3://%s/%s.sig", s.opts.S3Bucket, key)
		}
		if err := s.opts.Verifier.VerifySignature(ctx, data, sig); err != nil {
			return nil, xerrors.Wrapf(err, "verify policy %s", version)
		}
		s.logger.Info(ctx, "policy signature verified", "version", version)
	}

	return Parse(data)
}
