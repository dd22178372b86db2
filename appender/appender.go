// Package appender writes caller-supplied payloads to CloudWatch Logs,
// creating the destination log group and log stream on first use and keeping
// track of the upload sequence token each stream requires on subsequent
// writes.
package appender

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/newrelic/go-agent"
)

// ErrMissingClient is returned by New when no CloudWatch Logs client is
// configured.
var ErrMissingClient = errors.New("appender: a CloudWatch Logs client is required")

// ErrEmptyBatch is returned by AppendBatch when called with no payloads.
var ErrEmptyBatch = errors.New("appender: batch must contain at least one payload")

// CloudWatchLogsAPI is the subset of the CloudWatch Logs API the appender
// uses. It is satisfied by *cloudwatchlogs.CloudWatchLogs.
type CloudWatchLogsAPI interface {
	CreateLogGroup(*cloudwatchlogs.CreateLogGroupInput) (*cloudwatchlogs.CreateLogGroupOutput, error)
	CreateLogStream(*cloudwatchlogs.CreateLogStreamInput) (*cloudwatchlogs.CreateLogStreamOutput, error)
	DescribeLogGroups(*cloudwatchlogs.DescribeLogGroupsInput) (*cloudwatchlogs.DescribeLogGroupsOutput, error)
	DescribeLogStreams(*cloudwatchlogs.DescribeLogStreamsInput) (*cloudwatchlogs.DescribeLogStreamsOutput, error)
	PutLogEvents(*cloudwatchlogs.PutLogEventsInput) (*cloudwatchlogs.PutLogEventsOutput, error)
	PutRetentionPolicy(*cloudwatchlogs.PutRetentionPolicyInput) (*cloudwatchlogs.PutRetentionPolicyOutput, error)
	DeleteRetentionPolicy(*cloudwatchlogs.DeleteRetentionPolicyInput) (*cloudwatchlogs.DeleteRetentionPolicyOutput, error)
}

// Config holds the dependencies for an Appender.
type Config struct {
	// Client is the CloudWatch Logs client used for all API calls. Required.
	Client CloudWatchLogsAPI

	// Clock supplies log event timestamps. Defaults to time.Now.
	Clock func() time.Time

	// NewRelic, when set, wraps every CloudWatch Logs call in a transaction.
	NewRelic newrelic.Application
}

// Options carries per-call settings for an append.
type Options struct {
	// Retention is the retention in days applied to a log group created by
	// this call. Zero means logs never expire.
	Retention int
}

type streamKey struct {
	group  string
	stream string
}

// Appender appends payloads to CloudWatch Logs streams. It caches the upload
// sequence token per (group, stream) pair; a cached token is dropped whenever
// a write to that stream fails, forcing the next append to re-resolve it.
//
// The token cache itself is safe for concurrent use, but concurrent appends
// to the same stream still race on the token's value and may be rejected by
// CloudWatch Logs. Use one appender per stream at a time, or tolerate the
// occasional rejected append.
type Appender struct {
	client   CloudWatchLogsAPI
	now      func() time.Time
	newrelic newrelic.Application

	mu     sync.Mutex
	tokens map[streamKey]*string
}

// New returns an Appender ready to be used. It fails if cfg names no client.
func New(cfg *Config) (*Appender, error) {
	if cfg == nil || cfg.Client == nil {
		return nil, ErrMissingClient
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Appender{
		client:   cfg.Client,
		now:      now,
		newrelic: cfg.NewRelic,
		tokens:   make(map[streamKey]*string),
	}, nil
}

// Append appends a single payload to the given log stream. It is shorthand
// for AppendBatch with a one-element batch.
func (a *Appender) Append(payload interface{}, group, stream string, opts *Options) (*cloudwatchlogs.PutLogEventsOutput, error) {
	return a.AppendBatch([]interface{}{payload}, group, stream, opts)
}

// AppendBatch appends the payloads, in order, as one PutLogEvents call.
// String payloads are written as-is; anything else is serialized to JSON.
// Every event is stamped with the current clock time in epoch milliseconds.
//
// When no sequence token is cached for (group, stream), the group and stream
// are created if missing and the stream's current token is adopted. On a
// rejected write the cached token is dropped and the CloudWatch Logs error is
// returned unchanged; the call is never retried here.
func (a *Appender) AppendBatch(payloads []interface{}, group, stream string, opts *Options) (*cloudwatchlogs.PutLogEventsOutput, error) {
	if len(payloads) == 0 {
		return nil, ErrEmptyBatch
	}

	key := streamKey{group: group, stream: stream}
	token, resolved := a.cachedToken(key)
	if !resolved {
		_, s, err := a.EnsureGroupAndStream(group, stream, opts)
		if err != nil {
			return nil, err
		}
		if s != nil {
			// The stream already existed; pick up where it left off. A
			// freshly created stream takes its first write without a token.
			token = s.UploadSequenceToken
		}
	}

	events := make([]*cloudwatchlogs.InputLogEvent, len(payloads))
	for i, payload := range payloads {
		m, err := formatMessage(payload)
		if err != nil {
			return nil, err
		}
		events[i] = &cloudwatchlogs.InputLogEvent{
			Message:   aws.String(m),
			Timestamp: aws.Int64(a.now().UnixNano() / int64(time.Millisecond)),
		}
	}

	resp, err := a.PutLogEvents(events, group, stream, token)
	if err != nil {
		a.forgetToken(key)
		return resp, err
	}
	a.storeToken(key, resp.NextSequenceToken)
	return resp, nil
}

// EnsureGroupAndStream makes sure the log group and log stream exist,
// creating them when missing. A group created here gets the retention from
// opts applied. The returned descriptors are the lookups as they stood before
// any creation: nil means the entity did not exist and was created by this
// call.
func (a *Appender) EnsureGroupAndStream(group, stream string, opts *Options) (*cloudwatchlogs.LogGroup, *cloudwatchlogs.LogStream, error) {
	g, err := a.GetLogGroup(group)
	if err != nil {
		return nil, nil, err
	}
	if g == nil {
		if err := a.CreateLogGroup(group); err != nil {
			return nil, nil, err
		}
		retention := 0
		if opts != nil {
			retention = opts.Retention
		}
		if err := a.PutRetentionPolicy(group, retention); err != nil {
			return nil, nil, err
		}
	}

	s, err := a.GetLogStream(group, stream)
	if err != nil {
		return g, nil, err
	}
	if s == nil {
		if err := a.CreateLogStream(group, stream); err != nil {
			return g, nil, err
		}
	}
	return g, s, nil
}

// PutLogEvents writes events to the given stream, passing sequenceToken along
// when non-nil. It does not touch the token cache; AppendBatch layers the
// bookkeeping on top of this.
func (a *Appender) PutLogEvents(events []*cloudwatchlogs.InputLogEvent, group, stream string, sequenceToken *string) (*cloudwatchlogs.PutLogEventsOutput, error) {
	params := &cloudwatchlogs.PutLogEventsInput{
		LogEvents:     events,
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
		SequenceToken: sequenceToken,
	}
	defer a.instrument("PutLogEvents")()
	return a.client.PutLogEvents(params)
}

// CreateLogGroup creates the log group.
func (a *Appender) CreateLogGroup(group string) error {
	params := &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(group),
	}
	defer a.instrument("CreateLogGroup")()
	_, err := a.client.CreateLogGroup(params)
	return err
}

// CreateLogStream creates the log stream within the log group.
func (a *Appender) CreateLogStream(group, stream string) error {
	params := &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
	}
	defer a.instrument("CreateLogStream")()
	_, err := a.client.CreateLogStream(params)
	return err
}

// PutRetentionPolicy sets the log group's retention in days. A retention of
// zero removes any retention policy so that logs never expire.
func (a *Appender) PutRetentionPolicy(group string, retention int) error {
	if retention == 0 {
		params := &cloudwatchlogs.DeleteRetentionPolicyInput{
			LogGroupName: aws.String(group),
		}
		defer a.instrument("DeleteRetentionPolicy")()
		_, err := a.client.DeleteRetentionPolicy(params)
		return err
	}
	params := &cloudwatchlogs.PutRetentionPolicyInput{
		LogGroupName:    aws.String(group),
		RetentionInDays: aws.Int64(int64(retention)),
	}
	defer a.instrument("PutRetentionPolicy")()
	_, err := a.client.PutRetentionPolicy(params)
	return err
}

// GetLogGroup returns the log group with exactly the given name, or nil if no
// such group exists. The API only searches by prefix, so the listing is
// filtered for an exact match; group names may legitimately be prefixes of
// one another.
func (a *Appender) GetLogGroup(group string) (*cloudwatchlogs.LogGroup, error) {
	params := &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: aws.String(group),
	}
	for {
		end := a.instrument("DescribeLogGroups")
		resp, err := a.client.DescribeLogGroups(params)
		end()
		if err != nil {
			return nil, err
		}
		for _, g := range resp.LogGroups {
			if aws.StringValue(g.LogGroupName) == group {
				return g, nil
			}
		}
		if resp.NextToken == nil {
			return nil, nil
		}
		params.NextToken = resp.NextToken
	}
}

// GetLogStream returns the log stream with exactly the given name within the
// log group, or nil if no such stream exists. Same prefix-then-filter lookup
// as GetLogGroup.
func (a *Appender) GetLogStream(group, stream string) (*cloudwatchlogs.LogStream, error) {
	params := &cloudwatchlogs.DescribeLogStreamsInput{
		LogGroupName:        aws.String(group),
		LogStreamNamePrefix: aws.String(stream),
	}
	for {
		end := a.instrument("DescribeLogStreams")
		resp, err := a.client.DescribeLogStreams(params)
		end()
		if err != nil {
			return nil, err
		}
		for _, s := range resp.LogStreams {
			if aws.StringValue(s.LogStreamName) == stream {
				return s, nil
			}
		}
		if resp.NextToken == nil {
			return nil, nil
		}
		params.NextToken = resp.NextToken
	}
}

func (a *Appender) cachedToken(key streamKey) (token *string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	token, ok = a.tokens[key]
	return token, ok
}

func (a *Appender) storeToken(key streamKey, token *string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[key] = token
}

func (a *Appender) forgetToken(key streamKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, key)
}

func formatMessage(payload interface{}) (string, error) {
	switch v := payload.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// instrument starts a New Relic transaction around a single API call and
// returns the function that ends it. A no-op when no application is set.
func (a *Appender) instrument(name string) func() {
	if a.newrelic == nil {
		return func() {}
	}
	txn := a.newrelic.StartTransaction(name, nil, nil)
	return func() { txn.End() }
}
