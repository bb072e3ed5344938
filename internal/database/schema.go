package database

var schema = []string{
	`CREATE TABLE IF NOT EXISTS chat_credentials (
    chat_id BIGINT PRIMARY KEY,
    access_token TEXT,
    refresh_token VARCHAR(1024),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
)`,
	`CREATE TABLE IF NOT EXISTS checkout_log (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    chat_id BIGINT NOT NULL,
    kind VARCHAR(16) NOT NULL,
    external_id BIGINT NOT NULL,
    state VARCHAR(16) NOT NULL,
    message VARCHAR(512),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    finished_at TIMESTAMP NULL,
    INDEX idx_checkout_log_chat (chat_id)
)`,
}
