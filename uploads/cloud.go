package uploads

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"

	"github.com/edgeee/chatsync/messaging"
)

// CloudSigner signs direct uploads for a Cloudinary style media service.
type CloudSigner struct {
	CloudName string
	APIKey    string
	APISecret string
}

func (c *CloudSigner) Ready() error {
	if c.CloudName == "" || c.APIKey == "" || c.APISecret == "" {
		return messaging.Upstreamf("Cloudinary credentials are not configured")
	}
	return nil
}

func (c *CloudSigner) Sign(_ context.Context, t Target, a *Authorization) error {
	if err := c.Ready(); err != nil {
		return err
	}
	a.CloudName = c.CloudName
	a.APIKey = c.APIKey
	a.Signature = SignParams(map[string]string{
		"folder":    t.Folder,
		"public_id": t.PublicID,
		"timestamp": strconv.FormatInt(t.Timestamp.Unix(), 10),
	}, c.APISecret)
	return nil
}

// SignParams returns the hex SHA-1 of the non-empty params as sorted k=v
// pairs joined by '&', followed by secret.
func SignParams(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + params[k]
	}
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + secret))
	return hex.EncodeToString(sum[:])
}
