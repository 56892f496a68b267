// Package config provides portal configuration from environment variables
// and a YAML policy file.
//
// # Environment
//
// Server settings:
//
//	PORTAL_HOST="0.0.0.0"
//	PORTAL_PORT="8080"
//	PORTAL_HEALTH_PORT="9090"
//
// Store settings:
//
//	PORTAL_STORE_TYPE="sqlite"  # memory, sqlite, postgres, redis
//	PORTAL_STORE_DSN="portal.db"
//	PORTAL_REDIS_URL="redis://localhost:6379"
//	PORTAL_SNAPSHOT_PATH="portal-snapshot.json"
//
// Uploads and email:
//
//	PORTAL_BLOB_TYPE="filesystem"  # filesystem, s3
//	PORTAL_S3_BUCKET="consortium-uploads"
//	PORTAL_EMAIL_TYPE="resend"  # log, resend, smtp
//	PORTAL_EMAIL_FROM="portal@example.org"
//
// Workflows:
//
//	PORTAL_DECISION_MODE="terminal-once"  # terminal-once, revisable
//	PORTAL_OTP_TTL="10m"
//	PORTAL_DIGEST_SCHEDULE="0 8 * * *"
//
// Observability settings:
//
//	PORTAL_LOG_LEVEL="info"
//	PORTAL_OTEL_ENABLED="true"
//	PORTAL_OTEL_ENDPOINT="otel-collector:4317"
//
// A .env file in the working directory is loaded first by LoadDotEnv.
//
// # Policy file
//
// The policy file lists the restricted colleges and the bootstrap
// identities, exactly one of which holds the superadmin role:
//
//	version: v1
//	restricted_colleges:
//	  - Acharya Institute
//	bootstrap:
//	  - username: superadmin
//	    role: superadmin
//	    email: admin@example.org
//	    password_env: PORTAL_SUPERADMIN_PASSWORD
//	  - username: publisher1
//	    role: publisher
//	    password_hash: $2a$10$...
package config
