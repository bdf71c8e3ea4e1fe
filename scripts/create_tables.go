package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
)

// Standalone bootstrap for environments where the service runs without
// AutoMigrate privileges. Mirrors the gorm model definitions.
func main() {
	fmt.Println("Creating RAG service database tables...")

	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=raguser password=ragpassword dbname=ragserve sslmode=disable"
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err = db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	fmt.Println("Connected to database")

	tables := []struct {
		name string
		ddl  string
	}{
		{"rag_tenants", `
		CREATE TABLE IF NOT EXISTS rag_tenants (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			slug VARCHAR(100) NOT NULL UNIQUE,
			tier VARCHAR(50) NOT NULL DEFAULT 'free',
			is_active BOOLEAN DEFAULT TRUE,
			cache_ttl_seconds INTEGER DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`},
		{"rag_quota_states", `
		CREATE TABLE IF NOT EXISTS rag_quota_states (
			tenant_id VARCHAR(255) PRIMARY KEY,
			max_documents INTEGER NOT NULL DEFAULT 100,
			max_storage_bytes BIGINT NOT NULL DEFAULT 524288000,
			max_daily_queries BIGINT NOT NULL DEFAULT 500,
			max_daily_tokens BIGINT NOT NULL DEFAULT 500000,
			documents_used INTEGER NOT NULL DEFAULT 0,
			storage_used_bytes BIGINT NOT NULL DEFAULT 0,
			queries_today BIGINT NOT NULL DEFAULT 0,
			tokens_today BIGINT NOT NULL DEFAULT 0,
			day_key VARCHAR(10) NOT NULL DEFAULT '',
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`},
		{"rag_documents", `
		CREATE TABLE IF NOT EXISTS rag_documents (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id VARCHAR(255) NOT NULL,
			uploaded_by VARCHAR(255),
			name VARCHAR(255) NOT NULL,
			content_type VARCHAR(100) NOT NULL,
			size_bytes BIGINT NOT NULL,
			content_digest VARCHAR(64) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			failure_reason TEXT,
			page_count INTEGER DEFAULT 0,
			chunk_count INTEGER DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			CONSTRAINT idx_documents_tenant_digest UNIQUE (tenant_id, content_digest)
		)`},
		{"rag_chunks", `
		CREATE TABLE IF NOT EXISTS rag_chunks (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			document_id UUID NOT NULL,
			tenant_id VARCHAR(255) NOT NULL,
			ordinal INTEGER NOT NULL,
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL,
			page INTEGER DEFAULT 1,
			embedding_slot BIGINT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`},
		{"rag_chat_logs", `
		CREATE TABLE IF NOT EXISTS rag_chat_logs (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			session_id VARCHAR(64) NOT NULL,
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			context_chunks JSONB,
			model_used VARCHAR(100),
			tokens_used INTEGER DEFAULT 0,
			latency_ms BIGINT DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`},
		{"rag_audit_records", `
		CREATE TABLE IF NOT EXISTS rag_audit_records (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255),
			action VARCHAR(50) NOT NULL,
			resource_type VARCHAR(50),
			resource_id VARCHAR(64),
			details JSONB,
			status VARCHAR(20) NOT NULL DEFAULT 'SUCCESS',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`},
		{"rag_feedback", `
		CREATE TABLE IF NOT EXISTS rag_feedback (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			message_id UUID NOT NULL,
			rating INTEGER NOT NULL,
			issue_type VARCHAR(50),
			note TEXT,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			CONSTRAINT idx_feedback_tenant_user_message UNIQUE (tenant_id, user_id, message_id)
		)`},
	}

	for _, table := range tables {
		fmt.Printf("Creating %s table...\n", table.name)
		if _, err = db.Exec(table.ddl); err != nil {
			log.Printf("Warning: Failed to create %s table: %v", table.name, err)
		}
	}

	fmt.Println("Creating indexes...")
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_rag_documents_tenant_id ON rag_documents(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rag_documents_status ON rag_documents(status)`,
		`CREATE INDEX IF NOT EXISTS idx_rag_chunks_tenant_id ON rag_chunks(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rag_chunks_document_id ON rag_chunks(document_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rag_chunks_embedding_slot ON rag_chunks(embedding_slot)`,
		`CREATE INDEX IF NOT EXISTS idx_rag_chat_logs_tenant_session ON rag_chat_logs(tenant_id, session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rag_audit_tenant_created ON rag_audit_records(tenant_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_rag_audit_action ON rag_audit_records(action)`,
		`CREATE INDEX IF NOT EXISTS idx_rag_feedback_tenant ON rag_feedback(tenant_id)`,
	}
	for _, index := range indexes {
		if _, err = db.Exec(index); err != nil {
			log.Printf("Warning: Failed to create index: %v", err)
		}
	}

	fmt.Println("\nDatabase setup complete.")
}
