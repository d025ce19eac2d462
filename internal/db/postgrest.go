package db

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	postgrest "github.com/supabase-community/postgrest-go"
)

// NewPostgrestClient builds a PostgREST client for a Supabase project using
// the service key for both apikey and bearer auth.
func NewPostgrestClient(supabaseURL, serviceKey string) (*postgrest.Client, error) {
	if supabaseURL == "" || serviceKey == "" {
		return nil, errors.New("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}

	client := postgrest.NewClient(strings.TrimRight(supabaseURL, "/")+"/rest/v1", "", map[string]string{
		"apikey":        serviceKey,
		"Authorization": fmt.Sprintf("Bearer %s", serviceKey),
	})
	if client.ClientError != nil {
		return nil, errors.Wrap(client.ClientError, "init postgrest client")
	}
	return client, nil
}
