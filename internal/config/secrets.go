package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsAPI is the subset of the Secrets Manager client used to resolve
// the cache DSN.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// rdsSecret is the JSON layout RDS-managed secrets use.
type rdsSecret struct {
	Username string          `json:"username"`
	Password string          `json:"password"`
	Host     string          `json:"host"`
	Port     json.RawMessage `json:"port"`
	DBName   string          `json:"dbname"`
	Engine   string          `json:"engine"`
}

// ResolveDSN returns the cache DSN. A DSN set directly wins; otherwise the
// secret named by cache.secretArn is read. The secret may hold a DSN string
// or an RDS-style JSON document.
func (c *Config) ResolveDSN(ctx context.Context, client SecretsAPI) (string, error) {
	if c.Cache.DSN != "" {
		return c.Cache.DSN, nil
	}
	if c.Cache.SecretARN == "" {
		return "", fmt.Errorf("cache.dsn or cache.secretArn is required")
	}
	if client == nil {
		return "", fmt.Errorf("no secrets client to resolve %s", c.Cache.SecretARN)
	}
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(c.Cache.SecretARN)})
	if err != nil {
		return "", fmt.Errorf("reading secret %s: %w", c.Cache.SecretARN, err)
	}
	raw := strings.TrimSpace(aws.ToString(out.SecretString))
	if raw == "" {
		return "", fmt.Errorf("secret %s has no string value", c.Cache.SecretARN)
	}
	if !strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	return dsnFromJSON(raw)
}

func dsnFromJSON(raw string) (string, error) {
	var s rdsSecret
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return "", fmt.Errorf("parsing secret: %w", err)
	}
	if s.Host == "" || s.Username == "" {
		return "", fmt.Errorf("secret lacks host or username")
	}
	port := "5432"
	if p := strings.Trim(string(s.Port), `"`); p != "" && p != "null" {
		if _, err := strconv.Atoi(p); err != nil {
			return "", fmt.Errorf("secret port %q: %w", p, err)
		}
		port = p
	}
	db := s.DBName
	if db == "" {
		db = "postgres"
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(s.Username, s.Password),
		Host:   net.JoinHostPort(s.Host, port),
		Path:   "/" + db,
	}
	return u.String(), nil
}
