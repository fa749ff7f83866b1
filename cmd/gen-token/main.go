package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newRootCommand mints HS256 tokens accepted by a board server running with
// AUTH0_TEST_MODE=1.
func newRootCommand() *cobra.Command {
	var (
		count  int
		prefix string
		start  int
		output string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:          "gen-token [user-id]",
		Short:        "Generate test mode bearer tokens",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return errors.New("count must be at least 1")
			}
			if start < 1 {
				return errors.New("start index must be at least 1")
			}
			if len(args) > 0 && count > 1 {
				return errors.New("explicit user ID cannot be provided when generating multiple tokens")
			}
			secret := os.Getenv("TEST_JWT_SECRET")
			if secret == "" {
				return errors.New("TEST_JWT_SECRET must be set")
			}

			tokens, err := generateTokens([]byte(secret), userIDs(count, prefix, start, args), ttl, time.Now())
			if err != nil {
				return err
			}
			if output != "" {
				if err := writeTokens(output, tokens); err != nil {
					return fmt.Errorf("write tokens: %w", err)
				}
			}
			fmt.Fprint(cmd.OutOrStdout(), tokens[0])
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&count, "count", 1, "number of tokens to generate")
	f.StringVar(&prefix, "prefix", "board-user", "prefix for generated user IDs when count > 1")
	f.IntVar(&start, "start", 1, "starting index for generated user IDs when count > 1")
	f.StringVar(&output, "output", "", "file to write generated tokens as a JSON array")
	f.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func userIDs(count int, prefix string, start int, args []string) []string {
	if len(args) > 0 {
		return []string{args[0]}
	}
	if count == 1 {
		return []string{prefix}
	}
	ids := make([]string, count)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", prefix, start+i)
	}
	return ids
}

func generateTokens(secret []byte, users []string, ttl time.Duration, now time.Time) ([]string, error) {
	tokens := make([]string, len(users))
	for i, user := range users {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": user,
			"iat": now.Unix(),
			"exp": now.Add(ttl).Unix(),
		})
		signed, err := token.SignedString(secret)
		if err != nil {
			return nil, err
		}
		tokens[i] = signed
	}
	return tokens, nil
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
