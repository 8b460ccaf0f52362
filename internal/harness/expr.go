package harness

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/strategyharness/internal/deploy"
	"github.com/roach88/strategyharness/internal/fixture"
	"github.com/roach88/strategyharness/internal/protocol"
)

// Expressions evaluate to *uint256.Int, bool or string.
//
//	expr    = term { ("+" | "-") term }
//	term    = primary { ("*" | "/") primary }
//	primary = "(" expr ")" | "$" name | amount | path
//	path    = "max" | "true" | "false" | "result"
//	        | "event." Event "." field
//	        | "chain." ("time" | "block")
//	        | "vault." view
//	        | token "." view
//	        | strategy "." view
//
// Amounts use the fixture notation ("35_000e18"). Subtraction below zero is
// an error rather than a wrap.

// fixtureVarNames are predefined and cannot be captured over.
var fixtureVarNames = map[string]struct{}{
	"amount":         {},
	"sleep_time":     {},
	"rewards_amount": {},
	"day":            {},
}

func fixtureVars(f *fixture.Fixture) map[string]any {
	return map[string]any{
		"amount":         f.AmountValue(),
		"sleep_time":     uint256.NewInt(f.SleepTime()),
		"rewards_amount": protocol.MustParseAmount(f.RewardsAmount),
		"day":            uint256.NewInt(86_400),
	}
}

// scope is what an expression can see.
type scope struct {
	ctx     context.Context
	env     *deploy.Environment
	vars    map[string]any
	result  any
	receipt *protocol.Receipt
}

func (s *scope) eval(src string) (any, error) {
	p := &parser{src: src, s: s}
	v, err := p.expr()
	if err != nil {
		return nil, fmt.Errorf("%q: %w", src, err)
	}
	if p.peek() != 0 {
		return nil, fmt.Errorf("%q: unexpected %q at offset %d", src, p.src[p.pos:], p.pos)
	}
	return v, nil
}

func (s *scope) amount(src string) (*uint256.Int, error) {
	v, err := s.eval(src)
	if err != nil {
		return nil, err
	}
	a, ok := v.(*uint256.Int)
	if !ok {
		return nil, fmt.Errorf("%q: want an amount, got %s %q", src, kind(v), format(v))
	}
	return a, nil
}

// nameOf maps an address back to the environment name that resolves to it.
func (s *scope) nameOf(addr common.Address) string {
	for _, name := range deploy.AccountNames() {
		if s.env.Accounts[name] == addr {
			return name
		}
	}
	if s.env.Vault != nil && s.env.Vault.Address() == addr {
		return "vault"
	}
	for _, alias := range sortedNames(s.env.Strategies) {
		if s.env.Strategies[alias].Address() == addr {
			return alias
		}
	}
	for _, name := range sortedNames(s.env.Tokens) {
		if s.env.Tokens[name].Address() == addr {
			return name
		}
	}
	return addr.Hex()
}

type parser struct {
	src string
	pos int
	s   *scope
}

func (p *parser) peek() byte {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) accept(c byte) bool {
	if p.peek() == c {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(c byte) error {
	if !p.accept(c) {
		return fmt.Errorf("expected %q at offset %d", c, p.pos)
	}
	return nil
}

func (p *parser) expr() (any, error) {
	v, err := p.term()
	for err == nil {
		op := p.peek()
		if op != '+' && op != '-' {
			break
		}
		p.pos++
		var r any
		if r, err = p.term(); err == nil {
			v, err = arith(op, v, r)
		}
	}
	return v, err
}

func (p *parser) term() (any, error) {
	v, err := p.primary()
	for err == nil {
		op := p.peek()
		if op != '*' && op != '/' {
			break
		}
		p.pos++
		var r any
		if r, err = p.primary(); err == nil {
			v, err = arith(op, v, r)
		}
	}
	return v, err
}

func (p *parser) primary() (any, error) {
	switch c := p.peek(); {
	case c == 0:
		return nil, errors.New("unexpected end of expression")
	case c == '(':
		p.pos++
		v, err := p.expr()
		if err != nil {
			return nil, err
		}
		return v, p.expect(')')
	case c == '$':
		p.pos++
		name := p.word()
		if name == "" {
			return nil, errors.New("expected a variable name after $")
		}
		v, ok := p.s.vars[name]
		if !ok {
			return nil, fmt.Errorf("undefined variable $%s", name)
		}
		return v, nil
	case isDigit(c):
		start := p.pos
		for p.pos < len(p.src) && (isDigit(p.src[p.pos]) || strings.IndexByte("_.eE", p.src[p.pos]) >= 0) {
			p.pos++
		}
		return protocol.ParseAmount(p.src[start:p.pos])
	case isWordStart(c):
		return p.path()
	default:
		return nil, fmt.Errorf("unexpected %q at offset %d", c, p.pos)
	}
}

// word reads [A-Za-z0-9_]*. Names, aliases and hex addresses are words.
func (p *parser) word() string {
	start := p.pos
	for p.pos < len(p.src) && (isWordStart(p.src[p.pos]) || isDigit(p.src[p.pos])) {
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *parser) member() (string, error) {
	if !p.accept('.') {
		return "", fmt.Errorf("expected '.' at offset %d", p.pos)
	}
	m := p.word()
	if m == "" {
		return "", fmt.Errorf("expected a member name at offset %d", p.pos)
	}
	return m, nil
}

func (p *parser) nameArg() (common.Address, error) {
	if err := p.expect('('); err != nil {
		return common.Address{}, err
	}
	p.peek()
	name := p.word()
	if err := p.expect(')'); err != nil {
		return common.Address{}, err
	}
	return p.s.env.Resolve(name)
}

func (p *parser) amountArg() (*uint256.Int, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	v, err := p.expr()
	if err != nil {
		return nil, err
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	a, ok := v.(*uint256.Int)
	if !ok {
		return nil, fmt.Errorf("argument must be an amount, got %s", kind(v))
	}
	return a, nil
}

func (p *parser) path() (any, error) {
	name := p.word()
	switch name {
	case "max":
		return protocol.MaxUint256(), nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "result":
		if p.s.result == nil {
			return nil, errors.New("result is only defined for view actions")
		}
		return p.s.result, nil
	case "event":
		return p.event()
	case "chain":
		return p.chainView()
	case "vault":
		return p.vaultView()
	}
	if t, ok := p.s.env.Tokens[name]; ok {
		return p.tokenView(t)
	}
	if st, ok := p.s.env.Strategies[name]; ok {
		return p.strategyView(st)
	}
	return nil, fmt.Errorf("unknown name %q", name)
}

func (p *parser) event() (any, error) {
	name, err := p.member()
	if err != nil {
		return nil, err
	}
	field, err := p.member()
	if err != nil {
		return nil, err
	}
	ev, ok := p.s.receipt.Find(name)
	if !ok {
		return nil, fmt.Errorf("step emitted no %s event", name)
	}
	v, ok := ev.Fields[field]
	if !ok {
		return nil, fmt.Errorf("%s has no field %q", name, field)
	}
	switch val := v.(type) {
	case *uint256.Int:
		return new(uint256.Int).Set(val), nil
	case common.Address:
		return p.s.nameOf(val), nil
	case bool, string:
		return val, nil
	default:
		return format(val), nil
	}
}

func (p *parser) chainView() (any, error) {
	m, err := p.member()
	if err != nil {
		return nil, err
	}
	ctx, c := p.s.ctx, p.s.env.Chain
	switch m {
	case "time":
		now, err := c.Now(ctx)
		return uint256.NewInt(now), err
	case "block":
		n, err := c.BlockNumber(ctx)
		return uint256.NewInt(n), err
	}
	return nil, fmt.Errorf("unknown chain view %q", m)
}

func (p *parser) vaultView() (any, error) {
	m, err := p.member()
	if err != nil {
		return nil, err
	}
	ctx, v := p.s.ctx, p.s.env.Vault
	switch m {
	case "pricePerShare":
		return v.PricePerShare(ctx)
	case "totalAssets":
		return v.TotalAssets(ctx)
	case "totalSupply":
		return v.TotalSupply(ctx)
	case "totalDebt":
		return v.TotalDebt(ctx)
	case "debtRatio":
		return v.DebtRatio(ctx)
	case "depositLimit":
		return v.DepositLimit(ctx)
	case "balanceOf":
		addr, err := p.nameArg()
		if err != nil {
			return nil, err
		}
		return v.BalanceOf(ctx, addr)
	case "strategies":
		addr, err := p.nameArg()
		if err != nil {
			return nil, err
		}
		field, err := p.member()
		if err != nil {
			return nil, err
		}
		params, err := v.Strategies(ctx, addr)
		if err != nil {
			return nil, err
		}
		return paramField(params, field)
	}
	return nil, fmt.Errorf("unknown vault view %q", m)
}

func paramField(p protocol.StrategyParams, field string) (*uint256.Int, error) {
	switch field {
	case "performanceFee":
		return p.PerformanceFee, nil
	case "activation":
		return uint256.NewInt(p.Activation), nil
	case "debtRatio":
		return p.DebtRatio, nil
	case "minDebtPerHarvest":
		return p.MinDebtPerHarvest, nil
	case "maxDebtPerHarvest":
		return p.MaxDebtPerHarvest, nil
	case "lastReport":
		return uint256.NewInt(p.LastReport), nil
	case "totalDebt":
		return p.TotalDebt, nil
	case "totalGain":
		return p.TotalGain, nil
	case "totalLoss":
		return p.TotalLoss, nil
	}
	return nil, fmt.Errorf("unknown strategy params field %q", field)
}

func (p *parser) tokenView(t protocol.Token) (any, error) {
	m, err := p.member()
	if err != nil {
		return nil, err
	}
	ctx := p.s.ctx
	switch m {
	case "balanceOf":
		addr, err := p.nameArg()
		if err != nil {
			return nil, err
		}
		return t.BalanceOf(ctx, addr)
	case "decimals":
		d, err := t.Decimals(ctx)
		return uint256.NewInt(uint64(d)), err
	case "symbol":
		return t.Symbol(ctx)
	}
	return nil, fmt.Errorf("unknown token view %q", m)
}

func (p *parser) strategyView(st protocol.Strategy) (any, error) {
	m, err := p.member()
	if err != nil {
		return nil, err
	}
	ctx := p.s.ctx
	switch m {
	case "estimatedTotalAssets":
		return st.EstimatedTotalAssets(ctx)
	case "stakedBalance":
		return st.StakedBalance(ctx)
	case "isActive":
		return st.IsActive(ctx)
	case "emergencyExit":
		return st.EmergencyExit(ctx)
	case "doHealthCheck":
		return st.DoHealthCheck(ctx)
	case "apiVersion":
		return st.APIVersion(ctx)
	case "name":
		return st.Name(ctx)
	case "harvestTrigger", "tendTrigger", "ethToWant":
		a, err := p.amountArg()
		if err != nil {
			return nil, err
		}
		switch m {
		case "harvestTrigger":
			return st.HarvestTrigger(ctx, a)
		case "tendTrigger":
			return st.TendTrigger(ctx, a)
		}
		return st.EthToWant(ctx, a)
	}
	return nil, fmt.Errorf("unknown strategy view %q", m)
}

func arith(op byte, l, r any) (any, error) {
	a, aok := l.(*uint256.Int)
	b, bok := r.(*uint256.Int)
	if !aok || !bok {
		return nil, fmt.Errorf("operator %c needs amounts, got %s and %s", op, kind(l), kind(r))
	}
	z := new(uint256.Int)
	switch op {
	case '+':
		if _, overflow := z.AddOverflow(a, b); overflow {
			return nil, fmt.Errorf("%s + %s overflows", a.Dec(), b.Dec())
		}
	case '-':
		if b.Gt(a) {
			return nil, fmt.Errorf("%s - %s is negative", a.Dec(), b.Dec())
		}
		z.Sub(a, b)
	case '*':
		if _, overflow := z.MulOverflow(a, b); overflow {
			return nil, fmt.Errorf("%s * %s overflows", a.Dec(), b.Dec())
		}
	case '/':
		if b.IsZero() {
			return nil, errors.New("division by zero")
		}
		z.Div(a, b)
	}
	return z, nil
}

// format renders an expression value for traces and variables.
func format(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case *uint256.Int:
		return protocol.FormatAmount(val)
	case bool:
		return strconv.FormatBool(val)
	case string:
		return val
	case common.Address:
		return val.Hex()
	default:
		return fmt.Sprint(val)
	}
}

func kind(v any) string {
	switch v.(type) {
	case *uint256.Int:
		return "amount"
	case bool:
		return "bool"
	case string:
		return "string"
	}
	return fmt.Sprintf("%T", v)
}

// equal compares two expression values of the same kind.
func equal(a, b any) bool {
	switch x := a.(type) {
	case *uint256.Int:
		y, ok := b.(*uint256.Int)
		return ok && x.Eq(y)
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	}
	return false
}

// argString normalizes a YAML scalar into expression source.
func argString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case uint64:
		return strconv.FormatUint(val, 10), nil
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return strconv.FormatInt(int64(val), 10), nil
		}
		return "", fmt.Errorf("%v loses precision as a YAML number; quote it", val)
	case nil:
		return "", errors.New("null is not a valid argument")
	}
	return "", fmt.Errorf("unsupported argument type %T", v)
}

func isDigit(c byte) bool     { return c >= '0' && c <= '9' }
func isWordStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
