package sql

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailpickup/backend/internal/domain"
)

// ArchivedMessage 落库的取件邮件。
//
// 注册表快照只保留新鲜窗口内的状态，归档是取件历史的长期留存，
// 监听循环每合并出新邮件就追加写入，不参与去重与排序逻辑。
type ArchivedMessage struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	MessageID  string    `gorm:"size:128;uniqueIndex:idx_mailbox_message,priority:2"`
	MailboxID  string    `gorm:"size:64;uniqueIndex:idx_mailbox_message,priority:1;index"`
	Address    string    `gorm:"size:255;index"`
	FromAddr   string    `gorm:"size:255"`
	Subject    string    `gorm:"size:998"`
	Body       string    `gorm:"type:text"`
	MessageAt  time.Time `gorm:"index"`
	ArchivedAt time.Time `gorm:"autoCreateTime"`
}

// ArchivedExtraction 落库的提取结果，一条邮件可以有多个捕获值。
type ArchivedExtraction struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	MailboxID  string    `gorm:"size:64;index"`
	MessageID  string    `gorm:"size:128;index"`
	Name       string    `gorm:"size:128"`
	Value      string    `gorm:"size:1024"`
	ArchivedAt time.Time `gorm:"autoCreateTime"`
}

// Archive SQL 归档存储（支持 MySQL 5.7+ 和 PostgreSQL）
type Archive struct {
	db         *sql.DB
	gormDB     *gorm.DB
	driverName string // "mysql" or "postgres"
}

// NewArchive 创建 SQL 归档存储
func NewArchive(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Archive, error) {
	if driverName != "mysql" && driverName != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var gormDB *gorm.DB
	switch driverName {
	case "mysql":
		gormDB, err = gorm.Open(mysql.New(mysql.Config{Conn: db}), gormConfig)
	case "postgres":
		gormDB, err = gorm.Open(postgres.New(postgres.Config{Conn: db}), gormConfig)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	archive := &Archive{
		db:         db,
		gormDB:     gormDB,
		driverName: driverName,
	}

	if err := archive.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return archive, nil
}

// Migrate 执行数据库迁移（使用 GORM AutoMigrate）
func (a *Archive) Migrate() error {
	return a.gormDB.AutoMigrate(
		&ArchivedMessage{},
		&ArchivedExtraction{},
	)
}

// ArchiveMessages 追加写入一批新合并的邮件与对应的提取结果。
// 重复的 (mailbox, message) 组合静默跳过，监听重启后的重放不会
// 产生重复行。
func (a *Archive) ArchiveMessages(mailboxID, address string, msgs []domain.Message, extracts []domain.Extraction) error {
	for i, m := range msgs {
		row := ArchivedMessage{
			MessageID: m.ID,
			MailboxID: mailboxID,
			Address:   address,
			FromAddr:  m.From,
			Subject:   m.Subject,
			Body:      m.Body,
			MessageAt: m.Date,
		}
		result := a.gormDB.Where("mailbox_id = ? AND message_id = ?", mailboxID, m.ID).
			FirstOrCreate(&row)
		if result.Error != nil {
			return fmt.Errorf("failed to archive message %s: %w", m.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			continue
		}

		if i >= len(extracts) {
			continue
		}
		for name, value := range extracts[i] {
			ex := ArchivedExtraction{
				MailboxID: mailboxID,
				MessageID: m.ID,
				Name:      name,
				Value:     value,
			}
			if err := a.gormDB.Create(&ex).Error; err != nil {
				return fmt.Errorf("failed to archive extraction %s: %w", name, err)
			}
		}
	}
	return nil
}

// RecentMessages 查询一个邮箱最近归档的邮件。
func (a *Archive) RecentMessages(mailboxID string, limit int) ([]ArchivedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []ArchivedMessage
	err := a.gormDB.Where("mailbox_id = ?", mailboxID).
		Order("message_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query archived messages: %w", err)
	}
	return rows, nil
}

// Extractions 查询一条邮件归档的提取结果。
func (a *Archive) Extractions(mailboxID, messageID string) ([]ArchivedExtraction, error) {
	var rows []ArchivedExtraction
	err := a.gormDB.Where("mailbox_id = ? AND message_id = ?", mailboxID, messageID).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query archived extractions: %w", err)
	}
	return rows, nil
}

// Health 检查数据库健康状态
func (a *Archive) Health() error {
	if a.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return a.db.Ping()
}

// Close 关闭数据库连接
func (a *Archive) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}
