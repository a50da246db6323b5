// Package webhook exposes HMAC-SHA256 signed endpoints that submit jobs.
//
// Each configured path is bound to one job type. A POST whose body matches
// the signature header is submitted with the body as payload and, unless
// the endpoint sets activate: false, queued straight away:
//
//	webhooks:
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /hooks/github
//	      job_type: build
//	      secret: ${GITHUB_WEBHOOK_SECRET}
//	      signature_header: X-Hub-Signature-256
//	      max_body_size: 1MB
//
// Responses: 202 with job_id, 403 on a missing or bad signature (no
// detail), 413 above max_body_size, 400 for a rejected payload.
package webhook
