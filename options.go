package inngestgo

import (
	"fmt"
	"net/url"
	"os"
)

func serveOriginOverride(opts handlerOpts) *string {
	if opts.ServeOrigin != nil {
		return opts.ServeOrigin
	}
	if opts.URL != nil {
		s := fmt.Sprintf("%s://%s", opts.URL.Scheme, opts.URL.Host)
		return &s
	}
	if v, ok := os.LookupEnv("INNGEST_SERVE_HOST"); ok && v != "" {
		return &v
	}
	return nil
}

func servePathOverride(opts handlerOpts) *string {
	if opts.ServePath != nil {
		return opts.ServePath
	}
	if opts.URL != nil {
		p := opts.URL.Path
		return &p
	}
	if v, ok := os.LookupEnv("INNGEST_SERVE_PATH"); ok && v != "" {
		return &v
	}
	return nil
}

// overrideURL applies ServeOrigin/ServePath/env-var overrides to original,
// returning it unchanged if none apply.
func overrideURL(original *url.URL, opts handlerOpts) (*url.URL, error) {
	origin := serveOriginOverride(opts)
	path := servePathOverride(opts)
	if origin == nil && path == nil {
		return original, nil
	}

	u := *original
	if origin != nil {
		parsed, err := url.Parse(*origin)
		if err != nil {
			return nil, fmt.Errorf("invalid serve origin %q: %w", *origin, err)
		}
		u.Scheme = parsed.Scheme
		u.Host = parsed.Host
	}
	if path != nil {
		u.Path = *path
	}
	return &u, nil
}
