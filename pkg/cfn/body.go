package cfn

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"stackpilot/pkg/assembly"
)

// maxInlineTemplateSize is the control plane's limit for template bodies
// passed inline; anything larger must be submitted by URL.
const maxInlineTemplateSize = 51200

// partitionMarker is substituted for ${AWS::Partition} in pre-uploaded
// template URLs. Partition substitution is not supported on this path, so the
// marker must never survive into the final URL; if it does, the URL is
// rejected rather than guessed at.
const partitionMarker = "**DONOTUSE**"

// templateBody is what gets submitted to CreateChangeSet: exactly one of an
// inline body or a URL.
type templateBody struct {
	Body string
	URL  string
}

// prepareTemplateBody decides how the desired template reaches the control
// plane: a pre-uploaded location when the assembly provides one, the
// serialized body inline when it fits, or a content-addressed staging upload
// when it does not.
func (d *Deployer) prepareTemplateBody(ctx context.Context, desired *assembly.DesiredStack) (*templateBody, error) {
	if desired.TemplateURL != "" {
		url, err := d.resolveTemplateURL(desired.TemplateURL)
		if err != nil {
			return nil, err
		}
		return &templateBody{URL: url}, nil
	}

	serialized, err := desired.Template.Serialize()
	if err != nil {
		return nil, fmt.Errorf("stack %s: %w", desired.Name, err)
	}
	if len(serialized) <= maxInlineTemplateSize {
		return &templateBody{Body: string(serialized)}, nil
	}

	if !d.Staging.Configured() {
		return nil, &TemplateTooLargeError{StackName: desired.Name, Size: len(serialized)}
	}
	url, err := d.stageTemplate(ctx, serialized)
	if err != nil {
		return nil, fmt.Errorf("failed to stage template for stack %s: %w", desired.Name, err)
	}
	return &templateBody{URL: url}, nil
}

// resolveTemplateURL substitutes environment placeholders in a pre-uploaded
// template location and converts object-store URLs into the REST form the
// control plane expects.
func (d *Deployer) resolveTemplateURL(raw string) (string, error) {
	url := d.Environment.Substitute(raw)
	url = strings.ReplaceAll(url, "${AWS::Partition}", partitionMarker)
	if strings.Contains(url, partitionMarker) {
		return "", &UnsupportedPartitionError{URL: raw}
	}
	if rest, ok := strings.CutPrefix(url, "s3://"); ok {
		bucket, key, found := strings.Cut(rest, "/")
		if !found {
			return "", fmt.Errorf("malformed template URL %q: no object key", raw)
		}
		url = fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", d.Environment.Region, bucket, key)
	}
	return url, nil
}

// stageTemplate uploads an oversized template body under a key derived from
// its content hash, so redeploying an unchanged template reuses the same
// object.
func (d *Deployer) stageTemplate(ctx context.Context, serialized []byte) (string, error) {
	key := path.Join(d.Staging.Prefix, StagedTemplateKey(serialized))

	exists, err := d.stagedObjectExists(ctx, d.Staging.Bucket, key)
	if err != nil {
		return "", err
	}
	if !exists {
		_, err = d.Store.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(d.Staging.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(serialized),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", d.Environment.Region, d.Staging.Bucket, key), nil
}

// StagedTemplateKey returns the content-addressed object key for a serialized
// template body.
func StagedTemplateKey(serialized []byte) string {
	sum := sha256.Sum256(serialized)
	return "templates/" + hex.EncodeToString(sum[:]) + ".json"
}

func (d *Deployer) stagedObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := d.Store.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return false, nil
	}
	return false, err
}
