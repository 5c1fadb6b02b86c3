package status

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// The "zq" prefix keeps generated secrets from colliding with substrings
// of the redaction placeholders themselves.
func genSecret() gopter.Gen {
	return gen.AlphaString().
		SuchThat(func(s string) bool { return len(s) >= 4 }).
		Map(func(s string) string { return "zq" + s })
}

func genPrivateIP() gopter.Gen {
	octet := gen.IntRange(0, 255)
	return gopter.CombineGens(octet, octet).Map(func(vals []interface{}) string {
		return fmt.Sprintf("10.0.%d.%d", vals[0].(int), vals[1].(int))
	})
}

func TestProperty_SanitizeNeverLeaksSecrets(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.MaxSize = 50

	properties := gopter.NewProperties(parameters)
	sanitizer := NewErrorSanitizer()

	properties.Property("connection string passwords never survive", prop.ForAll(
		func(secret string) bool {
			raw := "failed to connect: password=" + secret + " dbname=tiles"
			return !strings.Contains(sanitizer.Sanitize(raw), secret)
		},
		genSecret(),
	))

	properties.Property("URL userinfo never survives", prop.ForAll(
		func(secret string) bool {
			raw := "request to https://svc:" + secret + "@hub.example.com failed"
			return !strings.Contains(sanitizer.Sanitize(raw), secret)
		},
		genSecret(),
	))

	properties.Property("private addresses never survive", prop.ForAll(
		func(ip string) bool {
			raw := "dial tcp " + ip + ":5432: no route to host"
			return !strings.Contains(sanitizer.Sanitize(raw), ip)
		},
		genPrivateIP(),
	))

	properties.TestingRun(t)
}

func TestProperty_SanitizeOutputShape(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)
	sanitizer := NewErrorSanitizer()

	properties.Property("output length is bounded", prop.ForAll(
		func(raw string) bool {
			return len(sanitizer.Sanitize(raw)) <= maxErrorLength+3
		},
		gen.AnyString(),
	))

	// Truncation adds a suffix, so idempotence only holds below the cap.
	properties.Property("sanitizing twice changes nothing for short text", prop.ForAll(
		func(raw string) bool {
			once := sanitizer.Sanitize(raw)
			return sanitizer.Sanitize(once) == once
		},
		gen.AnyString().SuchThat(func(s string) bool { return len(s) < maxErrorLength }),
	))

	properties.TestingRun(t)
}
