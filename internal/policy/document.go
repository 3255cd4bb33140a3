// Package policy loads limiter settings from a file or from SSM/S3 and applies them to a running
// headerorder.RateLimiter without a restart.
//
// A policy document is YAML (JSON works too, it is valid YAML):
//
//	block_when_attempts_reach: 5
//	per_last_milliseconds: 2000
//	use_back_off_factor: true
//	back_off_step_milliseconds: 500
//
// Fields left out keep the value from the base config, which comes from flags. The merged result is
// installed with SetOptions, so it replaces the limiter's config as a whole.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/orderguard/internal/headerorder"
	"github.com/keithlinneman/orderguard/internal/xerrors"
)

// Document is one version of the limiter policy. Nil fields are not set.
type Document struct {
	Description             string `yaml:"description,omitempty" json:"description,omitempty"`
	BlockWhenAttemptsReach  *int   `yaml:"block_when_attempts_reach,omitempty" json:"block_when_attempts_reach,omitempty"`
	PerLastMilliseconds     *int64 `yaml:"per_last_milliseconds,omitempty" json:"per_last_milliseconds,omitempty"`
	UseBackOffFactor        *bool  `yaml:"use_back_off_factor,omitempty" json:"use_back_off_factor,omitempty"`
	BackOffStepMilliseconds *int64 `yaml:"back_off_step_milliseconds,omitempty" json:"back_off_step_milliseconds,omitempty"`
}

// Parse decodes a single YAML document, unknown fields are an error
func Parse(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, xerrors.New("policy document is empty")
		}
		return nil, xerrors.Wrap(err, "decode policy document")
	}
	return &doc, nil
}

// Validate returns every problem at once
func (d *Document) Validate() error {
	var errs []error
	if d.BlockWhenAttemptsReach != nil && *d.BlockWhenAttemptsReach <= 0 {
		errs = append(errs, fmt.Errorf("block_when_attempts_reach must be > 0, got %d", *d.BlockWhenAttemptsReach))
	}
	if d.PerLastMilliseconds != nil && *d.PerLastMilliseconds <= 0 {
		errs = append(errs, fmt.Errorf("per_last_milliseconds must be > 0, got %d", *d.PerLastMilliseconds))
	}
	if d.BackOffStepMilliseconds != nil && *d.BackOffStepMilliseconds <= 0 {
		errs = append(errs, fmt.Errorf("back_off_step_milliseconds must be > 0, got %d", *d.BackOffStepMilliseconds))
	}
	return errors.Join(errs...)
}

// Config merges the document over base
func (d *Document) Config(base headerorder.Config) headerorder.Config {
	c := base
	if d.BlockWhenAttemptsReach != nil {
		c.BlockWhenAttemptsReach = *d.BlockWhenAttemptsReach
	}
	if d.PerLastMilliseconds != nil {
		c.PerLastMilliseconds = *d.PerLastMilliseconds
	}
	if d.UseBackOffFactor != nil {
		c.UseBackOffFactor = *d.UseBackOffFactor
	}
	if d.BackOffStepMilliseconds != nil {
		c.BackOff = headerorder.LinearBackOff{StepMilliseconds: *d.BackOffStepMilliseconds}
	}
	return c
}
