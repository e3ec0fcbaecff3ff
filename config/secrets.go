package config

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ParameterStoreValue reads a parameter from AWS SSM. Any failure yields "".
func ParameterStoreValue(parameterName string, decrypt bool) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return ""
	}

	client := ssm.NewFromConfig(cfg)

	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &parameterName,
		WithDecryption: &decrypt,
	})
	if err != nil {
		return ""
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return ""
	}
	return *result.Parameter.Value
}

// TokenSource returns the bearer token to attach to history requests, or "" when none is
// stored. A missing token is not an error.
func (a APIConfig) TokenSource() func() string {
	if a.TokenParameter != "" {
		var once sync.Once
		var token string
		return func() string {
			once.Do(func() { token = ParameterStoreValue(a.TokenParameter, true) })
			return token
		}
	}
	if a.TokenFile != "" {
		path := a.TokenFile
		// re-read on every call so a refreshed token is picked up
		return func() string {
			raw, err := os.ReadFile(path)
			if err != nil {
				return ""
			}
			return strings.TrimSpace(string(raw))
		}
	}
	return func() string { return "" }
}
