// Package imapmail implements the remote-IMAP source and target over
// go-imap/v2. Fetches always use peek body sections so reading mail never
// sets the \Seen flag.
package imapmail

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2/imapclient"

	"mailsort_daemon/pkg/apperr"
)

// Options carries everything needed to dial and log in.
type Options struct {
	Addr     string
	Host     string
	TLS      bool
	Username string
	Password string
}

// Dial connects and authenticates. The unilateral handler is optional and
// only the listener installs one.
func Dial(opts Options, clientOpts *imapclient.Options) (*imapclient.Client, error) {
	var (
		clt *imapclient.Client
		err error
	)
	if opts.TLS {
		clt, err = imapclient.DialTLS(opts.Addr, clientOpts)
	} else {
		clt, err = imapclient.DialInsecure(opts.Addr, clientOpts)
	}
	if err != nil {
		return nil, apperr.Transient(fmt.Sprintf("dial %s", opts.Addr), err)
	}

	if err := clt.Login(opts.Username, opts.Password).Wait(); err != nil {
		clt.Close()
		if isAuthFailure(err) {
			return nil, apperr.Auth(fmt.Sprintf("login to %s as %s", opts.Addr, opts.Username), err)
		}
		return nil, apperr.Transient(fmt.Sprintf("login to %s", opts.Addr), err)
	}
	return clt, nil
}

// isAuthFailure sniffs the server's rejection text. IMAP has no structured
// auth-failure code pre-AUTHENTICATIONFAILED, so match the usual phrasings.
func isAuthFailure(err error) bool {
	msg := strings.ToUpper(err.Error())
	for _, marker := range []string{"AUTHENTICATIONFAILED", "AUTHORIZATIONFAILED", "LOGIN FAILED", "INVALID CREDENTIALS"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isAlreadyExists matches CREATE rejections for folders that are already
// there, which the target treats as success.
func isAlreadyExists(err error) bool {
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "ALREADYEXISTS") || strings.Contains(msg, "ALREADY EXISTS") ||
		strings.Contains(msg, "DUPLICATE FOLDER")
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
