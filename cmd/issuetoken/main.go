// Command issuetoken prints an HS256 bearer token for the protected API
// routes, signed with JWT_SECRET_KEY and valid for ACCESS_TOKEN_EXPIRE_MINUTES.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/example/glof-monitor/internal/auth"
	"github.com/example/glof-monitor/internal/config"
)

func main() {
	subject := flag.String("subject", "", "token subject (required)")
	audience := flag.String("audience", "", "optional audience claim")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	token, err := auth.IssueToken(cfg.JWTSecret, *subject, *audience, cfg.JWTExpiry)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}
