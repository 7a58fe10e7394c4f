package session

import "time"

// TickResult 一次计时的结果
type TickResult int

const (
	TickRunning TickResult = iota
	// TickGrace 倒计时归零，已授予宽限时间
	TickGrace
	// TickExpired 倒计时归零且宽限次数已用完
	TickExpired
)

// Timer 整个会话共享的倒计时
//
// 首次进入选票页时才开始计时，时长为 可投选举数 * perElection。
// 归零时最多授予 maxGrace 次宽限，之后报告 TickExpired。
type Timer struct {
	perElection time.Duration
	grace       time.Duration
	maxGrace    int

	started   bool
	remaining time.Duration
	graceUsed int
	warning   bool
}

func NewTimer(perElection, grace time.Duration, maxGrace int) *Timer {
	return &Timer{perElection: perElection, grace: grace, maxGrace: maxGrace}
}

// Start 延迟启动，只有第一次调用生效
func (t *Timer) Start(activeElections int) bool {
	if t.started {
		return false
	}
	if activeElections < 1 {
		activeElections = 1
	}
	t.started = true
	t.remaining = time.Duration(activeElections) * t.perElection
	return true
}

func (t *Timer) Started() bool { return t.started }

func (t *Timer) Remaining() time.Duration { return t.remaining }

func (t *Timer) GraceUsed() int { return t.graceUsed }

func (t *Timer) GraceAmount() time.Duration { return t.grace }

// Warning 是否有未关闭的超时提示
func (t *Timer) Warning() bool { return t.warning }

func (t *Timer) DismissWarning() { t.warning = false }

// Tick 倒计时前进d，未启动时不做任何事
func (t *Timer) Tick(d time.Duration) TickResult {
	if !t.started {
		return TickRunning
	}
	if t.remaining > d {
		t.remaining -= d
		return TickRunning
	}

	t.remaining = 0
	if t.graceUsed < t.maxGrace {
		t.graceUsed++
		t.remaining = t.grace
		t.warning = true
		return TickGrace
	}
	return TickExpired
}

func (t *Timer) Reset() {
	t.started = false
	t.remaining = 0
	t.graceUsed = 0
	t.warning = false
}
