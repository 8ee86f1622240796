package functions

import (
	"fmt"
	"regexp"
	"strings"

	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
)

// MaxCodeBytes is the CloudFront Functions code size limit.
// See: https://docs.aws.amazon.com/AmazonCloudFront/latest/DeveloperGuide/cloudfront-limits.html
const MaxCodeBytes = 10240

// Runtime is the CloudFront Functions runtime the code is written for.
const Runtime = cftypes.FunctionRuntimeCloudfrontJs20

var (
	functionNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	// RFC 6265 cookie-name token characters.
	cookieNameRe = regexp.MustCompile("^[!#$%&'*+.^_`|~0-9A-Za-z-]+$")
	domainRe     = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)
	regionRe     = regexp.MustCompile(`^[a-z]{2}(-[a-z]+)+-[0-9]$`)
	documentRe   = regexp.MustCompile(`^[A-Za-z0-9._-]*$`)
)

// ValidationError describes a single constraint violation.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every violation found.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the injected values are safe to embed and usable at the edge.
func (p Params) Validate() ValidationErrors {
	var errs ValidationErrors
	if !cookieNameRe.MatchString(p.CookieName) {
		errs = append(errs, ValidationError{Field: "cookie-name", Message: fmt.Sprintf("invalid cookie name %q", p.CookieName)})
	}
	if !domainRe.MatchString(p.AlternateDomain) {
		errs = append(errs, ValidationError{Field: "domain-name", Message: fmt.Sprintf("invalid domain name %q", p.AlternateDomain)})
	}
	if !regionRe.MatchString(p.AlternateRegion) {
		errs = append(errs, ValidationError{Field: "region", Message: fmt.Sprintf("invalid region %q", p.AlternateRegion)})
	}
	if !documentRe.MatchString(p.IndexDocument) {
		errs = append(errs, ValidationError{Field: "index-document", Message: fmt.Sprintf("invalid index document %q", p.IndexDocument)})
	}
	return errs
}

// EdgeFunction is a CloudFront Function ready to deploy.
type EdgeFunction struct {
	Name    string
	Runtime cftypes.FunctionRuntime
	Comment string
	Code    []byte
}

// New returns an EdgeFunction, failing if the name is invalid or the code
// exceeds MaxCodeBytes.
func New(name string, code []byte) (*EdgeFunction, error) {
	fn := &EdgeFunction{
		Name:    name,
		Runtime: Runtime,
		Comment: fmt.Sprintf("Managed by ndxcanary: %s", name),
		Code:    code,
	}
	if errs := fn.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return fn, nil
}

// Validate checks the function against CloudFront Functions limits.
func (f *EdgeFunction) Validate() ValidationErrors {
	var errs ValidationErrors
	if !functionNameRe.MatchString(f.Name) {
		errs = append(errs, ValidationError{Field: "name", Message: fmt.Sprintf("invalid function name %q", f.Name)})
	}
	if len(f.Code) == 0 {
		errs = append(errs, ValidationError{Field: "code", Message: "function code is empty"})
	}
	if len(f.Code) > MaxCodeBytes {
		errs = append(errs, ValidationError{
			Field:   "code",
			Message: fmt.Sprintf("code exceeds %d bytes (%d bytes)", MaxCodeBytes, len(f.Code)),
		})
	}
	return errs
}

// Stats holds the code size budget of a function.
type Stats struct {
	CodeBytes int
	Limit     int
}

// Stats returns the code size and the CloudFront limit.
func (f *EdgeFunction) Stats() Stats {
	return Stats{CodeBytes: len(f.Code), Limit: MaxCodeBytes}
}
