package mqtt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

const (
	signingService = "iotdevicegateway"
	// sha256 of the empty string, websocket upgrades carry no body.
	emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

// presignURL returns the wss URL for endpoint, signed with SigV4 for the IoT device gateway.
// The gateway wants the session token outside the signature, so it is appended afterwards.
func presignURL(ctx context.Context, signer *v4.Signer, creds aws.Credentials, endpoint, region string, at time.Time) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+endpoint+"/mqtt", nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	signing := aws.Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
	}
	signed, _, err := signer.PresignHTTP(ctx, signing, req, emptyPayloadHash, signingService, region, at)
	if err != nil {
		return "", fmt.Errorf("presign: %w", err)
	}
	signed = "wss" + strings.TrimPrefix(signed, "https")
	if creds.SessionToken != "" {
		signed += "&X-Amz-Security-Token=" + url.QueryEscape(creds.SessionToken)
	}
	return signed, nil
}
