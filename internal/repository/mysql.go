package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/kioskvote/config"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyVoted (voter, election) 已有投票记录
	ErrAlreadyVoted = errors.New("voter already voted in this election")
	// ErrMalformedRow 存储返回的行不满足实体约束
	ErrMalformedRow = errors.New("malformed row")
)

// mysqlDuplicateEntry ER_DUP_ENTRY
const mysqlDuplicateEntry = 1062

// MySQLRepository 读写分离的MySQL仓库，读走从库，写走主库
type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
	log      *zap.Logger
}

func NewMySQLRepository(cfg config.MySQLConfig, log *zap.Logger) (*MySQLRepository, error) {
	masterDB, err := sql.Open("mysql", cfg.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}
	masterDB.SetMaxOpenConns(cfg.MaxOpenConns)
	masterDB.SetMaxIdleConns(cfg.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	if err = masterDB.Ping(); err != nil {
		masterDB.Close()
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB := masterDB
	if cfg.Slave != "" {
		slaveDB, err = sql.Open("mysql", cfg.Slave)
		if err != nil {
			masterDB.Close()
			return nil, fmt.Errorf("连接从数据库失败: %w", err)
		}
		slaveDB.SetMaxOpenConns(cfg.MaxOpenConns)
		slaveDB.SetMaxIdleConns(cfg.MaxIdleConns)
		slaveDB.SetConnMaxLifetime(time.Hour)

		if err = slaveDB.Ping(); err != nil {
			log.Warn("从数据库连接测试失败，将使用主数据库代替", zap.Error(err))
			slaveDB.Close()
			slaveDB = masterDB
		}
	}

	return NewMySQLRepositoryFromDB(masterDB, slaveDB, log), nil
}

// NewMySQLRepositoryFromDB 使用已打开的连接，slave为nil时读写都走master
func NewMySQLRepositoryFromDB(master, slave *sql.DB, log *zap.Logger) *MySQLRepository {
	if slave == nil {
		slave = master
	}
	return &MySQLRepository{masterDB: master, slaveDB: slave, log: log}
}

// isDuplicateEntry 判断是否为唯一键冲突
func isDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}
