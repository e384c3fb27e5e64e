package rational

import (
	"math"
	"testing"
)

func TestNewReducesToLowestTerms(t *testing.T) {
	r := New(6, 8)
	if r.Num != 3 || r.Den != 4 {
		t.Fatalf("New(6,8) = %d/%d, want 3/4", r.Num, r.Den)
	}
}

func TestNewNormalizesSign(t *testing.T) {
	r := New(3, -4)
	if r.Num != -3 || r.Den != 4 {
		t.Fatalf("New(3,-4) = %d/%d, want -3/4", r.Num, r.Den)
	}
}

func TestAddMul(t *testing.T) {
	a := New(1, 3)
	b := New(1, 6)
	sum, err := Add(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Num != 1 || sum.Den != 2 {
		t.Fatalf("1/3+1/6 = %d/%d, want 1/2", sum.Num, sum.Den)
	}

	prod, err := Mul(New(2, 3), New(3, 4))
	if err != nil {
		t.Fatal(err)
	}
	if prod.Num != 1 || prod.Den != 2 {
		t.Fatalf("2/3*3/4 = %d/%d, want 1/2", prod.Num, prod.Den)
	}
}

func TestMulOverflowDetected(t *testing.T) {
	a := Rational{Num: math.MaxInt64 / 2, Den: 1}
	b := Rational{Num: 4, Den: 1}
	if _, err := Mul(a, b); err != ErrOverflow {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestMatMulDetMultiplicative(t *testing.T) {
	a := FromInts([3][3]int64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}})
	b := FromInts([3][3]int64{{1, 1, 0}, {0, 1, 1}, {1, 0, 1}})

	prod, err := MatMul(a, b)
	if err != nil {
		t.Fatal(err)
	}
	detA, err := Det(a)
	if err != nil {
		t.Fatal(err)
	}
	detB, err := Det(b)
	if err != nil {
		t.Fatal(err)
	}
	detProd, err := Det(prod)
	if err != nil {
		t.Fatal(err)
	}
	want, err := Mul(detA, detB)
	if err != nil {
		t.Fatal(err)
	}
	if detProd != want {
		t.Fatalf("det(A*B) = %v, want det(A)*det(B) = %v", detProd, want)
	}
}

func TestSolveRoundTrip(t *testing.T) {
	m := FromInts([3][3]int64{{2, 1, 1}, {1, 3, 2}, {1, 0, 0}})
	x := [3]Rational{FromInt(1), FromInt(2), FromInt(-1)}

	b, err := MulVec(m, x)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Solve(m, b)
	if err != nil {
		t.Fatal(err)
	}
	for i := range x {
		if got[i] != x[i] {
			t.Fatalf("Solve(m, m*x)[%d] = %v, want %v", i, got[i], x[i])
		}
	}
}

func TestSolveSingularIsError(t *testing.T) {
	m := FromInts([3][3]int64{{1, 2, 3}, {2, 4, 6}, {1, 1, 1}})
	_, err := Solve(m, [3]Rational{FromInt(1), FromInt(2), FromInt(3)})
	if err != ErrSingular {
		t.Fatalf("expected ErrSingular, got %v", err)
	}
}
